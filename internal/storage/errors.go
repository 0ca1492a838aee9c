package storage

import "errors"

// ErrPositionNotFound is returned when no open position exists for the key
var ErrPositionNotFound = errors.New("position not found")

// ErrDuplicatePosition is returned when an open position already exists for the key
var ErrDuplicatePosition = errors.New("position already open for symbol and side")
