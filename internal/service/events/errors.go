package events

import "errors"

// Sentinel errors for the event store.
var (
	ErrNotFound      = errors.New("sent event not found")
	ErrDuplicateSent = errors.New("sent event already recorded for tracking id")
	ErrInvalidEvent  = errors.New("invalid engagement event")
)
