// Package clock provides the time source and trading calendar for the engine.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/schrute_scalper/internal/broker"
	"github.com/eddiefleurent/schrute_scalper/internal/config"
	"github.com/eddiefleurent/schrute_scalper/internal/events"
)

// Clock abstracts the time source so cycle logic can be tested with a frozen
// or scripted clock.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock pinned to a location.
type Real struct {
	loc *time.Location
}

// NewReal returns a wall clock in the given location.
func NewReal(loc *time.Location) Real {
	if loc == nil {
		loc = time.UTC
	}
	return Real{loc: loc}
}

// Now returns the current time in the clock's location.
func (r Real) Now() time.Time {
	return time.Now().In(r.loc)
}

// Fake is a settable clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set pins the fake time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// Advance moves the fake time forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// CalendarSource is the slice of the broker the calendar needs.
type CalendarSource interface {
	GetCalendar(ctx context.Context, start, end time.Time) ([]broker.CalendarDay, error)
}

// session holds cached exchange hours for one date.
type session struct {
	open    time.Time
	close   time.Time
	trading bool
}

// Reasons CanTrade returns when trading is paused.
const (
	ReasonOK           = ""
	ReasonWeekend      = "weekend"
	ReasonHoliday      = "holiday"
	ReasonBeforeWindow = "before_window"
	ReasonAfterWindow  = "after_window"
	ReasonBeforeOpen   = "before_open"
	ReasonAfterClose   = "after_close"
	ReasonLunchBreak   = "lunch_break"
)

// Calendar answers "may we trade right now" by combining the exchange
// calendar with the configured trading window. When the exchange calendar is
// unreachable it degrades to a weekday heuristic and keeps running.
type Calendar struct {
	source CalendarSource
	cfg    *config.Config
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]session
	degraded bool
}

// NewCalendar creates a calendar backed by the broker's exchange calendar.
func NewCalendar(source CalendarSource, cfg *config.Config, bus *events.Bus, logger zerolog.Logger) *Calendar {
	return &Calendar{
		source:   source,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]session),
	}
}

// Refresh loads exchange sessions around now into the cache. Failure is not
// fatal; the calendar flips to degraded weekday mode until a later refresh
// succeeds.
func (c *Calendar) Refresh(ctx context.Context, now time.Time) error {
	start := now.AddDate(0, 0, -7)
	end := now.AddDate(0, 0, 7)

	days, err := c.source.GetCalendar(ctx, start, end)
	if err != nil {
		c.mu.Lock()
		wasDegraded := c.degraded
		c.degraded = true
		c.mu.Unlock()
		if !wasDegraded {
			c.logger.Warn().Err(err).Msg("exchange calendar unavailable, falling back to weekday schedule")
			if c.bus != nil {
				c.bus.Publish(events.Event{Type: events.CalendarDegraded, Reason: err.Error()})
			}
		}
		return fmt.Errorf("refreshing exchange calendar: %w", err)
	}

	loc := c.cfg.Location()
	fresh := make(map[string]session, len(days))
	for _, d := range days {
		open, err1 := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Open, loc)
		cls, err2 := time.ParseInLocation("2006-01-02 15:04", d.Date+" "+d.Close, loc)
		if err1 != nil || err2 != nil {
			c.logger.Warn().Str("date", d.Date).Msg("skipping malformed calendar day")
			continue
		}
		fresh[d.Date] = session{open: open, close: cls, trading: true}
	}
	// Non-trading days inside the range are recorded as closed so lookups
	// don't read absence as "unknown".
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.In(loc).Format("2006-01-02")
		if _, ok := fresh[key]; !ok {
			fresh[key] = session{trading: false}
		}
	}

	c.mu.Lock()
	c.sessions = fresh
	c.degraded = false
	c.mu.Unlock()
	return nil
}

// Degraded reports whether the calendar is running on the weekday fallback.
func (c *Calendar) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// lookupSession returns the cached session for t's date.
func (c *Calendar) lookupSession(t time.Time) (session, bool) {
	key := t.In(c.cfg.Location()).Format("2006-01-02")
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// IsTradingDay reports whether t falls on a trading day. In degraded mode or
// when the date is outside the cached range, weekdays count as trading days.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	if s, ok := c.lookupSession(t); ok {
		return s.trading
	}
	wd := t.In(c.cfg.Location()).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SessionBounds returns the exchange open and close for t's date. In degraded
// mode it assumes regular hours.
func (c *Calendar) SessionBounds(t time.Time) (open, close time.Time, ok bool) {
	if s, found := c.lookupSession(t); found {
		if !s.trading {
			return time.Time{}, time.Time{}, false
		}
		return s.open, s.close, true
	}
	if !c.IsTradingDay(t) {
		return time.Time{}, time.Time{}, false
	}
	loc := c.cfg.Location()
	d := t.In(loc)
	open = time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, loc)
	close = time.Date(d.Year(), d.Month(), d.Day(), 16, 0, 0, 0, loc)
	return open, close, true
}

// IsMarketOpen reports whether the exchange session is in progress at t,
// ignoring the configured entry window.
func (c *Calendar) IsMarketOpen(t time.Time) bool {
	open, close, ok := c.SessionBounds(t)
	if !ok {
		return false
	}
	return !t.Before(open) && t.Before(close)
}

// nextScanDays bounds the NextOpen and NextClose lookahead. Two weeks clears
// any holiday cluster around the cached range.
const nextScanDays = 14

// NextOpen returns the first session open strictly after t.
func (c *Calendar) NextOpen(t time.Time) (time.Time, bool) {
	loc := c.cfg.Location()
	cur := t.In(loc)
	for i := 0; i < nextScanDays; i++ {
		if open, _, ok := c.SessionBounds(cur); ok && cur.Before(open) {
			return open, true
		}
		cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// NextClose returns the close of the session containing t, or of the next
// session when the market is closed at t.
func (c *Calendar) NextClose(t time.Time) (time.Time, bool) {
	loc := c.cfg.Location()
	cur := t.In(loc)
	for i := 0; i < nextScanDays; i++ {
		if _, cls, ok := c.SessionBounds(cur); ok && cur.Before(cls) {
			return cls, true
		}
		cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// CanTrade reports whether new entries are allowed at t, with a reason when
// they are not. The configured window is clipped to the exchange session so
// half days end trading early.
func (c *Calendar) CanTrade(t time.Time) (bool, string) {
	loc := c.cfg.Location()
	now := t.In(loc)

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, ReasonWeekend
	}
	if !c.IsTradingDay(now) {
		return false, ReasonHoliday
	}

	open, close, ok := c.SessionBounds(now)
	if !ok {
		return false, ReasonHoliday
	}
	if now.Before(open) {
		return false, ReasonBeforeOpen
	}
	if !now.Before(close) {
		return false, ReasonAfterClose
	}

	winStart, winEnd := c.cfg.WindowBounds(now)
	if winStart.Before(open) {
		winStart = open
	}
	if winEnd.After(close) {
		winEnd = close
	}
	if now.Before(winStart) {
		return false, ReasonBeforeWindow
	}
	if !now.Before(winEnd) {
		return false, ReasonAfterWindow
	}

	if ls, le, hasLunch := c.cfg.LunchBounds(now); hasLunch {
		if !now.Before(ls) && now.Before(le) {
			return false, ReasonLunchBreak
		}
	}

	return true, ReasonOK
}

// PastWindowEnd reports whether t is at or past the end of the trading
// window, when remaining positions are flattened.
func (c *Calendar) PastWindowEnd(t time.Time) bool {
	loc := c.cfg.Location()
	now := t.In(loc)
	_, winEnd := c.cfg.WindowBounds(now)
	if _, close, ok := c.SessionBounds(now); ok && close.Before(winEnd) {
		winEnd = close
	}
	return !now.Before(winEnd)
}
