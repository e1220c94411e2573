package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"huddle/internal/connection"
	"huddle/internal/registry"
	"huddle/pkg/types"
)

// Broadcaster fans one event out to every live member of its channel,
// exactly once per connection, preserving per-channel order. Publishes
// to the same channel are serialized by a sharded lock held for the
// duration of ring append + fan-out; unrelated channels proceed
// concurrently.
type Broadcaster struct {
	registry *registry.Registry
	history  *History
	locks    []sync.Mutex

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a broadcaster over the registry and event history.
func New(reg *registry.Registry, history *History, lockShards int) *Broadcaster {
	if lockShards <= 0 {
		lockShards = 16
	}
	return &Broadcaster{
		registry: reg,
		history:  history,
		locks:    make([]sync.Mutex, lockShards),
	}
}

// History exposes the ring buffer the polling bridge reads from.
func (b *Broadcaster) History() *History {
	return b.history
}

// Publish delivers an event to every current member of its channel and,
// for durable events, appends it to the channel's ring buffer. The
// caller (Event Source) guarantees the event mirrors an already
// persisted record.
func (b *Broadcaster) Publish(event types.Event) (*types.DeliveryReport, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("rejecting event: %w", err)
	}

	lock := &b.locks[uint64(event.ChannelID)%uint64(len(b.locks))]
	lock.Lock()
	defer lock.Unlock()

	if event.Durable() {
		b.history.Append(event)
	}

	frame, err := json.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}

	report := &types.DeliveryReport{}
	for _, member := range b.registry.MembersOf(event.ChannelID) {
		switch err := member.Enqueue(frame); err {
		case nil:
			report.Delivered = append(report.Delivered, member.ID())

		case connection.ErrQueueFull:
			// Slow consumer: drop the event for this connection and
			// force-disconnect it rather than stall the channel.
			report.QueueFull = append(report.QueueFull, member.ID())
			b.dropped.Add(1)
			log.Printf("Dropping slow consumer %s on channel %d", member.ID(), event.ChannelID)
			b.registry.Detach(event.ChannelID, member.ID())
			go func(c *connection.Connection) {
				_ = c.Close()
			}(member)

		default:
			// Connection closed mid-broadcast: a no-op for that
			// member, not an error.
		}
	}

	b.published.Add(1)
	return report, nil
}

// Stats returns fan-out counters plus ring buffer occupancy.
func (b *Broadcaster) Stats() map[string]int {
	stats := b.history.Stats()
	stats["events_published"] = int(b.published.Load())
	stats["slow_consumers_dropped"] = int(b.dropped.Load())
	return stats
}
