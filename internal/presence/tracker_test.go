package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"huddle/pkg/types"
)

// recordingPublisher captures every typing event the tracker emits.
type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(event types.Event) (*types.DeliveryReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return &types.DeliveryReport{}, nil
}

func (p *recordingPublisher) snapshot() []types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Event, len(p.events))
	copy(out, p.events)
	return out
}

func isTypingPayload(t *testing.T, event types.Event) bool {
	t.Helper()
	v, ok := event.Payload["is_typing"].(bool)
	if !ok {
		t.Fatalf("Event payload missing is_typing: %+v", event.Payload)
	}
	return v
}

func TestTracker_MarkTypingBroadcastsOnce(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, time.Second, time.Second)

	// Rapid keystroke signals inside the TTL extend silently.
	tracker.MarkTyping(1, 100)
	tracker.MarkTyping(1, 100)
	tracker.MarkTyping(1, 100)

	events := pub.snapshot()
	if len(events) != 1 {
		t.Fatalf("Expected 1 typing broadcast, got %d", len(events))
	}
	if events[0].Type != types.EventTypeTyping || !isTypingPayload(t, events[0]) {
		t.Errorf("Unexpected event: %+v", events[0])
	}
	if events[0].ChannelID != 1 {
		t.Errorf("Expected channel 1, got %d", events[0].ChannelID)
	}
}

func TestTracker_ClearTypingBroadcastsStop(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, time.Second, time.Second)

	tracker.MarkTyping(1, 100)
	tracker.ClearTyping(1, 100)

	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("Expected 2 broadcasts, got %d", len(events))
	}
	if isTypingPayload(t, events[1]) {
		t.Error("Second broadcast should be the stop event")
	}

	// Clearing absent state is silent.
	tracker.ClearTyping(1, 100)
	if len(pub.snapshot()) != 2 {
		t.Error("ClearTyping on absent state must not broadcast")
	}
}

func TestTracker_ActiveTypists(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, time.Second, time.Second)

	tracker.MarkTyping(1, 100)
	tracker.MarkTyping(1, 200)
	tracker.MarkTyping(2, 300)

	active := tracker.ActiveTypists(1)
	if len(active) != 2 {
		t.Errorf("Expected 2 typists in channel 1, got %d", len(active))
	}
	for _, userID := range active {
		if userID != 100 && userID != 200 {
			t.Errorf("Unexpected typist %d", userID)
		}
	}

	if got := tracker.ActiveTypists(2); len(got) != 1 || got[0] != 300 {
		t.Errorf("Expected only user 300 in channel 2, got %v", got)
	}
	if got := tracker.ActiveTypists(3); len(got) != 0 {
		t.Errorf("Expected empty channel 3, got %v", got)
	}
}

func TestTracker_LazyExpiryEmitsSyntheticStop(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, 30*time.Millisecond, time.Hour)

	tracker.MarkTyping(1, 100)
	time.Sleep(60 * time.Millisecond)

	if active := tracker.ActiveTypists(1); len(active) != 0 {
		t.Errorf("Expired typist still reported active: %v", active)
	}

	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("Expected start plus synthetic stop, got %d events", len(events))
	}
	if isTypingPayload(t, events[1]) {
		t.Error("Synthetic broadcast should carry is_typing=false")
	}
}

func TestTracker_ReMarkAfterExpiryBroadcastsAgain(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, 30*time.Millisecond, time.Hour)

	tracker.MarkTyping(1, 100)
	time.Sleep(60 * time.Millisecond)
	tracker.MarkTyping(1, 100)

	// The expired entry counts as a fresh transition.
	starts := 0
	for _, event := range pub.snapshot() {
		if isTypingPayload(t, event) {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("Expected 2 start broadcasts across expiry, got %d", starts)
	}
}

func TestTracker_SweepExpiresEntries(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, 20*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	tracker.MarkTyping(1, 100)

	deadline := time.Now().Add(time.Second)
	for {
		events := pub.snapshot()
		if len(events) == 2 && !isTypingPayload(t, events[1]) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Sweep never emitted the stop broadcast, events: %d", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if active := tracker.ActiveTypists(1); len(active) != 0 {
		t.Errorf("Swept typist still active: %v", active)
	}
}
