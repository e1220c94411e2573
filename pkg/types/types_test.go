package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr error
	}{
		{
			name: "valid durable event",
			event: Event{
				ChannelID:  1,
				Type:       EventTypeMessageCreated,
				Sequence:   42,
				OccurredAt: time.Now(),
				Payload:    map[string]any{"content": "hello"},
			},
			wantErr: nil,
		},
		{
			name: "valid ephemeral event without sequence",
			event: Event{
				ChannelID: 1,
				Type:      EventTypeTyping,
				Payload:   map[string]any{"user_id": 7, "is_typing": true},
			},
			wantErr: nil,
		},
		{
			name:    "missing channel",
			event:   Event{Type: EventTypeMessageCreated, Sequence: 1},
			wantErr: ErrInvalidChannelID,
		},
		{
			name:    "unknown type",
			event:   Event{ChannelID: 1, Type: "broadcast", Sequence: 1},
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "control frame type rejected",
			event:   Event{ChannelID: 1, Type: FrameTypePing},
			wantErr: ErrInvalidEventType,
		},
		{
			name:    "durable event without sequence",
			event:   Event{ChannelID: 1, Type: EventTypeMessageDeleted},
			wantErr: ErrInvalidSequence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.event.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvent_Durable(t *testing.T) {
	durable := []string{EventTypeMessageCreated, EventTypeMessageEdited, EventTypeMessageDeleted}
	for _, typ := range durable {
		e := Event{Type: typ}
		if !e.Durable() {
			t.Errorf("expected %s to be durable", typ)
		}
	}

	ephemeral := []string{EventTypeTyping, EventTypePresenceChange}
	for _, typ := range ephemeral {
		e := Event{Type: typ}
		if e.Durable() {
			t.Errorf("expected %s to be ephemeral", typ)
		}
	}
}

func TestEvent_WireFormat(t *testing.T) {
	e := Event{
		ChannelID:  3,
		Type:       EventTypeMessageCreated,
		Sequence:   9,
		OccurredAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"content": "hi"},
	}

	data, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	// Client-visible field names are part of the wire contract.
	for _, field := range []string{"channel_id", "type", "sequence", "occurred_at", "payload"} {
		if !strings.Contains(string(data), `"`+field+`"`) {
			t.Errorf("wire format missing field %q: %s", field, data)
		}
	}
}

func TestValidateContent(t *testing.T) {
	if err := ValidateContent(""); err != ErrEmptyContent {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if err := ValidateContent(strings.Repeat("a", 16385)); err != ErrContentTooLarge {
		t.Errorf("expected ErrContentTooLarge, got %v", err)
	}
	if err := ValidateContent("hello"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
