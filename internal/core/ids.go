package core

import "github.com/google/uuid"

// newMessageID returns a unique id for envelope de-duplication and ack
// correlation.
func newMessageID() string {
	return uuid.NewString()
}

// NewPositionID returns a unique id for a position
func NewPositionID() string {
	return uuid.NewString()
}

// NewEventID returns a unique id for an emergency event
func NewEventID() string {
	return uuid.NewString()
}
