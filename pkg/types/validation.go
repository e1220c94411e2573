package types

// Validate ensures an event is well formed before it enters the fan-out
// path. Durable events must carry the sequence of the record they
// mirror; ephemeral events must not.
func (e *Event) Validate() error {
	if e.ChannelID <= 0 {
		return ErrInvalidChannelID
	}
	if !IsValidEventType(e.Type) {
		return ErrInvalidEventType
	}
	if e.Durable() && e.Sequence <= 0 {
		return ErrInvalidSequence
	}
	return nil
}

// IsValidEventType checks the type against the allowed event set.
// Control frame types are not events and are rejected here.
func IsValidEventType(eventType string) bool {
	switch eventType {
	case EventTypeMessageCreated,
		EventTypeMessageEdited,
		EventTypeMessageDeleted,
		EventTypeTyping,
		EventTypePresenceChange:
		return true
	default:
		return false
	}
}

// ValidateContent checks message content bounds shared by the intake
// endpoints.
func ValidateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > 16384 {
		return ErrContentTooLarge
	}
	return nil
}
