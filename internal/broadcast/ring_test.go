package broadcast

import (
	"testing"
	"time"

	"huddle/pkg/types"
)

func durableEvent(channelID types.ChannelID, seq int64, age time.Duration) types.Event {
	return types.Event{
		ChannelID:  channelID,
		Type:       types.EventTypeMessageCreated,
		Sequence:   seq,
		OccurredAt: time.Now().Add(-age),
		Payload:    map[string]any{"message_id": seq},
	}
}

func TestHistory_EventsAfterEmptyChannel(t *testing.T) {
	h := NewHistory(10, time.Minute)

	events, watermark, err := h.EventsAfter(1, 5)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
	if watermark != 5 {
		t.Errorf("Watermark should be unchanged, got %d", watermark)
	}
}

func TestHistory_AppendAndPoll(t *testing.T) {
	h := NewHistory(10, time.Minute)

	for seq := int64(1); seq <= 5; seq++ {
		h.Append(durableEvent(1, seq, 0))
	}

	events, watermark, err := h.EventsAfter(1, 2)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events after sequence 2, got %d", len(events))
	}
	for i, event := range events {
		if want := int64(3 + i); event.Sequence != want {
			t.Errorf("Event %d: expected sequence %d, got %d", i, want, event.Sequence)
		}
	}
	if watermark != 5 {
		t.Errorf("Expected watermark 5, got %d", watermark)
	}

	// Polling again from the returned watermark yields nothing.
	events, watermark, err = h.EventsAfter(1, watermark)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no new events, got %d", len(events))
	}
	if watermark != 5 {
		t.Errorf("Watermark should hold at 5, got %d", watermark)
	}
}

func TestHistory_SizeEviction(t *testing.T) {
	h := NewHistory(3, time.Minute)

	for seq := int64(1); seq <= 6; seq++ {
		h.Append(durableEvent(1, seq, 0))
	}

	// Sequences 1-3 were evicted; a watermark inside the evicted range
	// must report expiry.
	if _, _, err := h.EventsAfter(1, 1); err != types.ErrWatermarkExpired {
		t.Errorf("Expected ErrWatermarkExpired for watermark 1, got %v", err)
	}

	// Watermark exactly at the eviction boundary is still servable: all
	// events after it are retained.
	events, watermark, err := h.EventsAfter(1, 3)
	if err != nil {
		t.Fatalf("EventsAfter at boundary failed: %v", err)
	}
	if len(events) != 3 || watermark != 6 {
		t.Errorf("Expected 3 events up to watermark 6, got %d events watermark %d", len(events), watermark)
	}
}

func TestHistory_AgeEviction(t *testing.T) {
	h := NewHistory(100, 50*time.Millisecond)

	h.Append(durableEvent(1, 1, 200*time.Millisecond))
	h.Append(durableEvent(1, 2, 0))

	// The stale entry counts as evicted even before an append physically
	// removes it, so a watermark of 0 has a gap.
	if _, _, err := h.EventsAfter(1, 0); err != types.ErrWatermarkExpired {
		t.Errorf("Expected ErrWatermarkExpired past age bound, got %v", err)
	}

	events, watermark, err := h.EventsAfter(1, 1)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 1 || events[0].Sequence != 2 {
		t.Fatalf("Expected only the fresh event, got %d events", len(events))
	}
	if watermark != 2 {
		t.Errorf("Expected watermark 2, got %d", watermark)
	}
}

func TestHistory_ChannelIsolation(t *testing.T) {
	h := NewHistory(10, time.Minute)

	h.Append(durableEvent(1, 1, 0))
	h.Append(durableEvent(2, 1, 0))
	h.Append(durableEvent(2, 2, 0))

	events, _, err := h.EventsAfter(1, 0)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Channel 1 should have 1 event, got %d", len(events))
	}

	events, _, err = h.EventsAfter(2, 0)
	if err != nil {
		t.Fatalf("EventsAfter failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Channel 2 should have 2 events, got %d", len(events))
	}
}

func TestHistory_Stats(t *testing.T) {
	h := NewHistory(10, time.Minute)

	h.Append(durableEvent(1, 1, 0))
	h.Append(durableEvent(1, 2, 0))
	h.Append(durableEvent(2, 1, 0))

	stats := h.Stats()
	if stats["channels_with_history"] != 2 {
		t.Errorf("Expected 2 channels, got %d", stats["channels_with_history"])
	}
	if stats["retained_events"] != 3 {
		t.Errorf("Expected 3 retained events, got %d", stats["retained_events"])
	}
}
