package registry

import (
	"sync"

	"huddle/internal/connection"
	"huddle/pkg/types"
)

// Registry is the authoritative live-membership directory mapping each
// channel to its attached connections. Locking is sharded by channel so
// attach/detach/broadcast on unrelated channels never contend; a channel
// lives entirely within one shard.
type Registry struct {
	shards     []*shard
	channelCap int
}

type shard struct {
	mu       sync.RWMutex
	channels map[types.ChannelID]map[types.ConnectionID]*connection.Connection
	users    map[types.UserID]int
}

// New creates a registry with the given shard count and per-channel
// connection cap.
func New(shardCount, channelCap int) *Registry {
	if shardCount <= 0 {
		shardCount = 16
	}
	if channelCap <= 0 {
		channelCap = 1024
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{
			channels: make(map[types.ChannelID]map[types.ConnectionID]*connection.Connection),
			users:    make(map[types.UserID]int),
		}
	}
	return &Registry{shards: shards, channelCap: channelCap}
}

func (r *Registry) shardFor(channelID types.ChannelID) *shard {
	return r.shards[uint64(channelID)%uint64(len(r.shards))]
}

// Attach registers a connection under its channel. Membership is
// visible to broadcasts as soon as Attach returns. Returns
// types.ErrCapacityExceeded once the per-channel cap is reached.
func (r *Registry) Attach(channelID types.ChannelID, conn *connection.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	s := r.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.channels[channelID]
	if set == nil {
		set = make(map[types.ConnectionID]*connection.Connection)
		s.channels[channelID] = set
	}

	if _, exists := set[conn.ID()]; exists {
		return nil
	}
	if len(set) >= r.channelCap {
		return types.ErrCapacityExceeded
	}

	set[conn.ID()] = conn
	s.users[conn.UserID()]++
	return nil
}

// Detach removes a connection from its channel. Idempotent: removing an
// absent connection is a no-op.
func (r *Registry) Detach(channelID types.ChannelID, connID types.ConnectionID) {
	s := r.shardFor(channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, exists := s.channels[channelID]
	if !exists {
		return
	}
	conn, exists := set[connID]
	if !exists {
		return
	}

	delete(set, connID)
	if len(set) == 0 {
		delete(s.channels, channelID)
	}

	if count := s.users[conn.UserID()]; count <= 1 {
		delete(s.users, conn.UserID())
	} else {
		s.users[conn.UserID()] = count - 1
	}
}

// MembersOf returns a point-in-time snapshot of a channel's live
// connections. Membership can change concurrently; callers must not
// assume the snapshot stays valid.
func (r *Registry) MembersOf(channelID types.ChannelID) []*connection.Connection {
	s := r.shardFor(channelID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.channels[channelID]
	if len(set) == 0 {
		return nil
	}

	members := make([]*connection.Connection, 0, len(set))
	for _, conn := range set {
		members = append(members, conn)
	}
	return members
}

// IsOnline reports whether a user holds at least one live connection in
// any channel. Used by the push dispatcher's offline check.
func (r *Registry) IsOnline(userID types.UserID) bool {
	for _, s := range r.shards {
		s.mu.RLock()
		_, online := s.users[userID]
		s.mu.RUnlock()
		if online {
			return true
		}
	}
	return false
}

// DrainAll starts a graceful close on every live connection, flushing
// queued events before the transports shut. Connections leave the
// registry through their close hooks; callers wanting an empty registry
// poll Stats afterwards.
func (r *Registry) DrainAll() {
	var conns []*connection.Connection
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.channels {
			for _, conn := range set {
				conns = append(conns, conn)
			}
		}
		s.mu.RUnlock()
	}

	// Close outside the shard locks; close hooks call Detach.
	for _, conn := range conns {
		conn.CloseGracefully()
	}
}

// Stats returns registry counters for the health endpoint.
func (r *Registry) Stats() map[string]int {
	totalConnections := 0
	activeChannels := 0
	onlineUsers := make(map[types.UserID]bool)

	for _, s := range r.shards {
		s.mu.RLock()
		activeChannels += len(s.channels)
		for _, set := range s.channels {
			totalConnections += len(set)
		}
		for userID := range s.users {
			onlineUsers[userID] = true
		}
		s.mu.RUnlock()
	}

	return map[string]int{
		"total_connections": totalConnections,
		"active_channels":   activeChannels,
		"online_users":      len(onlineUsers),
	}
}
