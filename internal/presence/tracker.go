package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"huddle/pkg/types"
)

// Publisher is the broadcast surface the tracker emits typing events
// through; satisfied by broadcast.Broadcaster.
type Publisher interface {
	Publish(event types.Event) (*types.DeliveryReport, error)
}

type key struct {
	channel types.ChannelID
	user    types.UserID
}

// Tracker keeps the ephemeral per-channel typing state. At most one
// active entry exists per (channel, user); entries expire by TTL via a
// background sweep plus lazy checks on read, and an expired entry is
// never reported active.
type Tracker struct {
	mu        sync.Mutex
	states    map[key]time.Time // expiry instant
	ttl       time.Duration
	sweepTick time.Duration
	publisher Publisher
}

// NewTracker creates a typing tracker publishing through the given
// broadcaster.
func NewTracker(publisher Publisher, ttl, sweepInterval time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 2 * time.Second
	}
	return &Tracker{
		states:    make(map[key]time.Time),
		ttl:       ttl,
		sweepTick: sweepInterval,
		publisher: publisher,
	}
}

// MarkTyping upserts the typing state for a user. A typing event is
// broadcast only on the absent/expired -> active transition, so repeated
// keystroke signals inside the TTL window extend the state silently.
func (t *Tracker) MarkTyping(channelID types.ChannelID, userID types.UserID) {
	k := key{channel: channelID, user: userID}
	now := time.Now()

	t.mu.Lock()
	expiry, exists := t.states[k]
	wasActive := exists && expiry.After(now)
	t.states[k] = now.Add(t.ttl)
	t.mu.Unlock()

	if !wasActive {
		t.broadcast(channelID, userID, true)
	}
}

// ClearTyping removes the typing state and broadcasts the stop. No-op
// when no state exists.
func (t *Tracker) ClearTyping(channelID types.ChannelID, userID types.UserID) {
	k := key{channel: channelID, user: userID}

	t.mu.Lock()
	_, exists := t.states[k]
	delete(t.states, k)
	t.mu.Unlock()

	if exists {
		t.broadcast(channelID, userID, false)
	}
}

// ActiveTypists returns users currently typing in a channel. Expired
// entries found here are removed and produce the synthetic stop
// broadcast, so clients never show a stuck indicator.
func (t *Tracker) ActiveTypists(channelID types.ChannelID) []types.UserID {
	now := time.Now()
	var active []types.UserID
	var expired []key

	t.mu.Lock()
	for k, expiry := range t.states {
		if k.channel != channelID {
			continue
		}
		if expiry.After(now) {
			active = append(active, k.user)
		} else {
			delete(t.states, k)
			expired = append(expired, k)
		}
	}
	t.mu.Unlock()

	for _, k := range expired {
		t.broadcast(k.channel, k.user, false)
	}
	return active
}

// Run sweeps expired entries until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.sweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) sweep() {
	now := time.Now()
	var expired []key

	t.mu.Lock()
	for k, expiry := range t.states {
		if !expiry.After(now) {
			delete(t.states, k)
			expired = append(expired, k)
		}
	}
	t.mu.Unlock()

	for _, k := range expired {
		t.broadcast(k.channel, k.user, false)
	}
}

// broadcast emits the ephemeral typing event. Called without the state
// lock held so fan-out never blocks tracker updates.
func (t *Tracker) broadcast(channelID types.ChannelID, userID types.UserID, isTyping bool) {
	event := types.Event{
		ChannelID:  channelID,
		Type:       types.EventTypeTyping,
		OccurredAt: time.Now(),
		Payload: map[string]any{
			"user_id":   int64(userID),
			"is_typing": isTyping,
		},
	}
	if _, err := t.publisher.Publish(event); err != nil {
		log.Printf("Typing broadcast failed for channel %d: %v", channelID, err)
	}
}
