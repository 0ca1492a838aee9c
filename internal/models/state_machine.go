// Package models provides data structures and state management for trading positions.
package models

import (
	"fmt"
	"time"
)

// TrailState represents the trailing-stop lifecycle of an open position.
type TrailState string

const (
	// TrailInitial means the position is protected by its initial stop and
	// the profit target is still live.
	TrailInitial TrailState = "initial"
	// TrailArmed means profit reached the activation threshold; the stop now
	// trails the favorable extreme and the fixed target is superseded.
	TrailArmed TrailState = "trailing_armed"
	// TrailTriggered means a protective level was crossed; the position is
	// being flattened.
	TrailTriggered TrailState = "triggered"
)

// TrailTransition defines a valid trailing-state transition.
type TrailTransition struct {
	From        TrailState
	To          TrailState
	Condition   string
	Description string
}

// Trail transition conditions.
const (
	CondActivation = "activation_reached"
	CondStopHit    = "stop_hit"
	CondTargetHit  = "target_hit"
	CondRecovery   = "recovered_in_profit"
)

// ValidTrailTransitions enumerates every legal trailing-state move.
var ValidTrailTransitions = []TrailTransition{
	{TrailInitial, TrailArmed, CondActivation, "Profit reached trail activation threshold"},
	{TrailInitial, TrailArmed, CondRecovery, "Restart recovery found profit beyond activation"},
	{TrailInitial, TrailTriggered, CondStopHit, "Initial stop crossed"},
	{TrailInitial, TrailTriggered, CondTargetHit, "Profit target crossed before trailing armed"},
	{TrailArmed, TrailTriggered, CondStopHit, "Trailing stop crossed"},
}

// TrailMachine manages trailing-state transitions for one position.
type TrailMachine struct {
	transitionTime  time.Time
	transitionCount map[TrailState]int
	currentState    TrailState
	previousState   TrailState
	raiseCount      int
}

// NewTrailMachine creates a machine in the initial state.
func NewTrailMachine() *TrailMachine {
	return &TrailMachine{
		currentState:    TrailInitial,
		previousState:   TrailInitial,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[TrailState]int),
	}
}

// NewTrailMachineFromState rebuilds a machine around a persisted state, used
// when rehydrating positions from storage.
func NewTrailMachineFromState(s TrailState) *TrailMachine {
	m := NewTrailMachine()
	if s != "" {
		m.currentState = s
		m.previousState = s
	}
	return m
}

// CurrentState returns the current state.
func (m *TrailMachine) CurrentState() TrailState {
	return m.currentState
}

// PreviousState returns the state before the last transition.
func (m *TrailMachine) PreviousState() TrailState {
	return m.previousState
}

// IsValidTransition checks whether moving to the target state under the given
// condition is defined.
func (m *TrailMachine) IsValidTransition(to TrailState, condition string) error {
	for _, t := range ValidTrailTransitions {
		if t.From == m.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		m.currentState, to, condition)
}

// Transition moves to a new state.
func (m *TrailMachine) Transition(to TrailState, condition string) error {
	if err := m.IsValidTransition(to, condition); err != nil {
		return err
	}
	m.previousState = m.currentState
	m.currentState = to
	m.transitionTime = time.Now().UTC()
	m.transitionCount[to]++
	return nil
}

// RecordRaise counts a trailing-stop raise. Raises are unbounded; the count
// exists for diagnostics and tests.
func (m *TrailMachine) RecordRaise() {
	m.raiseCount++
}

// RaiseCount returns how many times the trailing stop was raised.
func (m *TrailMachine) RaiseCount() int {
	return m.raiseCount
}

// IsTerminal reports whether the machine reached the triggered state.
func (m *TrailMachine) IsTerminal() bool {
	return m.currentState == TrailTriggered
}

// StateDescription returns a human-readable description of the current state.
func (m *TrailMachine) StateDescription() string {
	switch m.currentState {
	case TrailInitial:
		return "Initial stop in place, target live"
	case TrailArmed:
		return "Trailing armed, stop follows the favorable extreme"
	case TrailTriggered:
		return "Protective level crossed, position flattening"
	default:
		return "Unknown state"
	}
}

// ValidateConsistency ensures the machine is in a coherent state.
func (m *TrailMachine) ValidateConsistency() error {
	switch m.currentState {
	case TrailInitial, TrailArmed, TrailTriggered:
	default:
		return fmt.Errorf("unknown trail state %q", m.currentState)
	}
	total := 0
	for _, c := range m.transitionCount {
		total += c
	}
	if total > 0 && m.transitionTime.IsZero() {
		return fmt.Errorf("missing transition time: transitionTime is zero")
	}
	if m.currentState == TrailInitial && total > 0 {
		return fmt.Errorf("initial state cannot be re-entered (%d transitions recorded)", total)
	}
	return nil
}

// Copy creates a deep copy of the machine.
func (m *TrailMachine) Copy() *TrailMachine {
	if m == nil {
		return nil
	}
	cp := &TrailMachine{
		currentState:   m.currentState,
		previousState:  m.previousState,
		transitionTime: m.transitionTime,
		raiseCount:     m.raiseCount,
	}
	cp.transitionCount = make(map[TrailState]int, len(m.transitionCount))
	for k, v := range m.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
