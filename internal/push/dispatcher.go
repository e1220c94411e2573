package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"huddle/pkg/types"
)

// PresenceSource answers whether a user currently holds any live
// connection; satisfied by registry.Registry.
type PresenceSource interface {
	IsOnline(userID types.UserID) bool
}

// SubscriptionStore is the persistence surface used to look up and
// prune subscriptions; satisfied by store.Manager.
type SubscriptionStore interface {
	SubscriptionsForUser(ctx context.Context, userID types.UserID) ([]types.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID types.UserID, endpoint string) error
}

type notification struct {
	event      types.Event
	recipients []types.UserID
}

// Dispatcher forwards events to offline recipients through web push.
// Work arrives on a bounded queue drained by a single worker goroutine,
// so push I/O never delays the broadcaster's live fan-out.
type Dispatcher struct {
	queue    chan notification
	presence PresenceSource
	store    SubscriptionStore
	sender   Sender

	sent    atomic.Int64
	pruned  atomic.Int64
	dropped atomic.Int64
}

// NewDispatcher creates a push dispatcher. A nil sender disables push
// entirely (VAPID keys not configured) without failing dispatch calls.
func NewDispatcher(presence PresenceSource, store SubscriptionStore, sender Sender, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		queue:    make(chan notification, queueSize),
		presence: presence,
		store:    store,
		sender:   sender,
	}
}

// DispatchIfOffline queues the event for push delivery to every
// recipient without a live connection. Non-blocking: when the queue is
// full the notification is dropped and logged, never stalling the
// caller.
func (d *Dispatcher) DispatchIfOffline(event types.Event, recipients []types.UserID) {
	if d.sender == nil || len(recipients) == 0 {
		return
	}

	select {
	case d.queue <- notification{event: event, recipients: recipients}:
	default:
		d.dropped.Add(1)
		log.Printf("Push queue full, dropping notification for channel %d", event.ChannelID)
	}
}

// Run drains the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n notification) {
	payload, err := json.Marshal(buildPayload(n.event))
	if err != nil {
		log.Printf("Failed to build push payload: %v", err)
		return
	}

	author := eventAuthor(n.event)

	for _, userID := range n.recipients {
		if userID == author {
			continue
		}
		// Any live connection on any device suppresses push.
		if d.presence.IsOnline(userID) {
			continue
		}

		subs, err := d.store.SubscriptionsForUser(ctx, userID)
		if err != nil {
			log.Printf("Failed to load push subscriptions for user %d: %v", userID, err)
			continue
		}

		for _, sub := range subs {
			err := d.sender.Send(ctx, sub, payload)
			switch {
			case err == nil:
				d.sent.Add(1)
			case err == ErrSubscriptionGone:
				// Permanent failure: prune so we stop retrying a dead
				// endpoint.
				d.pruned.Add(1)
				if delErr := d.store.DeletePushSubscription(ctx, userID, sub.Endpoint); delErr != nil {
					log.Printf("Failed to prune push subscription: %v", delErr)
				}
			default:
				// Transient failure: log only, no inline retry.
				log.Printf("Push delivery failed for user %d: %v", userID, err)
			}
		}
	}
}

// buildPayload shapes the notification the service worker displays.
func buildPayload(event types.Event) map[string]any {
	body := ""
	if content, ok := event.Payload["content"].(string); ok {
		if len(content) > 100 {
			content = content[:100]
		}
		body = content
	}

	return map[string]any{
		"title":              fmt.Sprintf("New message in channel %d", event.ChannelID),
		"body":               body,
		"icon":               "/static/icons/icon-192x192.png",
		"badge":              "/static/icons/icon-96x96.png",
		"tag":                fmt.Sprintf("channel-%d", event.ChannelID),
		"silent":             false,
		"requireInteraction": false,
		"data": map[string]any{
			"url":       fmt.Sprintf("/channels/%d", event.ChannelID),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func eventAuthor(event types.Event) types.UserID {
	switch v := event.Payload["user_id"].(type) {
	case int64:
		return types.UserID(v)
	case float64:
		return types.UserID(int64(v))
	default:
		return 0
	}
}

// Stats returns push delivery counters.
func (d *Dispatcher) Stats() map[string]int {
	return map[string]int{
		"push_sent":    int(d.sent.Load()),
		"push_pruned":  int(d.pruned.Load()),
		"push_dropped": int(d.dropped.Load()),
	}
}
