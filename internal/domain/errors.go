package domain

import "errors"

// Fault sentinels shared across the ingestion pipeline. Callers match with
// errors.Is; services wrap them with context at the boundary.
var (
	ErrUnavailable  = errors.New("unavailable")
	ErrNotFound     = errors.New("not found")
	ErrInvalidEvent = errors.New("invalid event")
	ErrTimeout      = errors.New("timeout")
	ErrTransport    = errors.New("transport failure")
)
