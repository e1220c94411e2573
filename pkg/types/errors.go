package types

import "errors"

// Capacity and staleness conditions are the only failures surfaced to
// callers as typed results; everything else is handled at the
// connection layer.
var (
	ErrCapacityExceeded = errors.New("channel connection capacity exceeded")
	ErrWatermarkExpired = errors.New("watermark older than retained event window")
)

// Validation errors for client-supplied input.
var (
	ErrInvalidChannelID = errors.New("channel id must be a positive integer")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrEmptyContent     = errors.New("message content cannot be empty")
	ErrContentTooLarge  = errors.New("message content exceeds 16KB limit")
	ErrInvalidSequence  = errors.New("durable event requires a positive sequence")
)
