package broadcast

import (
	"sync"
	"time"

	"huddle/pkg/types"
)

// History holds one bounded ring of durable events per channel, the
// backing store for polling catch-up. Each ring is appended to only by
// the broadcaster holding that channel's publish lock; readers get
// copied slices so concurrent eviction never invalidates a result.
type History struct {
	mu      sync.RWMutex
	rings   map[types.ChannelID]*ring
	maxSize int
	maxAge  time.Duration
}

type ring struct {
	events []types.Event // ascending sequence order
	// evictedThrough is the highest sequence ever evicted from this
	// ring; a watermark below it means the client has a gap.
	evictedThrough int64
}

// NewHistory creates event history bounded by size and age per channel.
func NewHistory(maxSize int, maxAge time.Duration) *History {
	if maxSize <= 0 {
		maxSize = 512
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &History{
		rings:   make(map[types.ChannelID]*ring),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
}

// Append retains a durable event and evicts entries past the size or
// age bound.
func (h *History) Append(event types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rings[event.ChannelID]
	if r == nil {
		r = &ring{}
		h.rings[event.ChannelID] = r
	}

	r.events = append(r.events, event)

	cutoff := time.Now().Add(-h.maxAge)
	for len(r.events) > h.maxSize || (len(r.events) > 0 && r.events[0].OccurredAt.Before(cutoff)) {
		if seq := r.events[0].Sequence; seq > r.evictedThrough {
			r.evictedThrough = seq
		}
		r.events = r.events[1:]
	}

	// Reclaim the sliced-away prefix once it dominates the backing array.
	if cap(r.events) > 2*h.maxSize {
		compact := make([]types.Event, len(r.events))
		copy(compact, r.events)
		r.events = compact
	}
}

// EventsAfter returns retained events with sequence > after in ascending
// order, plus the watermark for the next call. Returns
// types.ErrWatermarkExpired when events newer than the watermark have
// already been evicted, so the caller must fall back to a full resync.
func (h *History) EventsAfter(channelID types.ChannelID, after int64) ([]types.Event, int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rings[channelID]
	if r == nil {
		// Nothing was ever published to this channel here; an empty
		// result with an unchanged watermark is correct.
		return nil, after, nil
	}

	// Events past the age bound count as evicted even before the next
	// append physically removes them.
	cutoff := time.Now().Add(-h.maxAge)
	evictedThrough := r.evictedThrough
	start := 0
	for start < len(r.events) && r.events[start].OccurredAt.Before(cutoff) {
		if seq := r.events[start].Sequence; seq > evictedThrough {
			evictedThrough = seq
		}
		start++
	}

	if after < evictedThrough {
		return nil, after, types.ErrWatermarkExpired
	}

	var out []types.Event
	watermark := after
	for _, event := range r.events[start:] {
		if event.Sequence > after {
			out = append(out, event)
			watermark = event.Sequence
		}
	}
	return out, watermark, nil
}

// Stats returns retained event counts for the health endpoint.
func (h *History) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	retained := 0
	for _, r := range h.rings {
		retained += len(r.events)
	}
	return map[string]int{
		"channels_with_history": len(h.rings),
		"retained_events":       retained,
	}
}
