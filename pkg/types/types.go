package types

import (
	"time"
)

// Event type constants used across broadcast, polling and push delivery.
// Ephemeral types (typing, presence_change) are fanned out live only and
// never retained for polling catch-up.
const (
	EventTypeMessageCreated = "message_created"
	EventTypeMessageEdited  = "message_edited"
	EventTypeMessageDeleted = "message_deleted"
	EventTypeTyping         = "typing"
	EventTypePresenceChange = "presence_change"

	// Control frames exchanged on the websocket itself, outside the
	// per-channel event stream.
	FrameTypeConnected = "connected"
	FrameTypePing      = "ping"
	FrameTypePong      = "pong"
)

// ChannelID identifies a conversation stream; the unit of fan-out.
type ChannelID int64

// UserID identifies a workspace member.
type UserID int64

// ConnectionID identifies one live client attachment. Generated
// server-side (uuid) when the transport attaches.
type ConnectionID string

// Event is one immutable record delivered to live connections and, for
// durable types, retained in the per-channel ring buffer for polling.
// Sequence is allocated with the persisted record the event represents
// and is strictly increasing within a channel; ephemeral events carry
// Sequence 0.
type Event struct {
	ChannelID  ChannelID      `json:"channel_id"`
	Type       string         `json:"type"`
	Sequence   int64          `json:"sequence"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Durable reports whether the event mirrors a persisted record and must
// be retained for polling clients.
func (e *Event) Durable() bool {
	switch e.Type {
	case EventTypeMessageCreated, EventTypeMessageEdited, EventTypeMessageDeleted:
		return true
	default:
		return false
	}
}

// DeliveryReport summarizes one fan-out: which live connections accepted
// the event and which were dropped as slow consumers.
type DeliveryReport struct {
	Delivered []ConnectionID `json:"delivered"`
	QueueFull []ConnectionID `json:"queue_full"`
}

// PushSubscription is one browser push endpoint registered by a user.
// A user may hold several (multi-device).
type PushSubscription struct {
	ID        int64     `json:"id"`
	UserID    UserID    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is the persisted chat record the Event Source mirrors into
// events. Seq is the channel-scoped sequence allocated when the message
// was created; edits and deletions allocate fresh sequences for the
// events they produce.
type Message struct {
	ID        int64      `json:"id"`
	Seq       int64      `json:"seq"`
	ChannelID ChannelID  `json:"channel_id"`
	UserID    UserID     `json:"user_id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Deleted   bool       `json:"deleted"`
}
