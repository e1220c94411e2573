package connection

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"huddle/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is the deployment's reverse proxy concern.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Registry is the attach/detach surface the handler needs; satisfied by
// registry.Registry.
type Registry interface {
	Attach(channelID types.ChannelID, conn *Connection) error
	Detach(channelID types.ChannelID, connID types.ConnectionID)
}

// Presence receives typing signals parsed from the client read loop.
type Presence interface {
	MarkTyping(channelID types.ChannelID, userID types.UserID)
	ClearTyping(channelID types.ChannelID, userID types.UserID)
}

// AccessChecker answers whether a user may attach to a channel.
// Membership is an external collaborator; the handler only consumes the
// verdict.
type AccessChecker interface {
	IsChannelMember(channelID types.ChannelID, userID types.UserID) (bool, error)
}

// Handler upgrades websocket requests and drives each connection's read
// loop.
type Handler struct {
	registry Registry
	presence Presence
	access   AccessChecker
	opts     Options
}

// NewHandler creates a websocket handler with its collaborators.
func NewHandler(registry Registry, presence Presence, access AccessChecker, opts Options) *Handler {
	if opts.QueueCapacity <= 0 {
		opts = DefaultOptions()
	}
	return &Handler{
		registry: registry,
		presence: presence,
		access:   access,
		opts:     opts,
	}
}

// clientFrame is what clients send over the socket: keepalive pings and
// typing signals. Everything else arrives over the HTTP API.
type clientFrame struct {
	Type     string `json:"type"`
	IsTyping *bool  `json:"is_typing,omitempty"`
}

// HandleWebSocket handles GET /ws?channel_id=&user_id=.
// Validation happens before the upgrade so rejected requests get proper
// HTTP status codes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(r.URL.Query().Get("channel_id"), 10, 64)
	if err != nil || channelID <= 0 {
		http.Error(w, "Invalid or missing channel_id", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "Invalid or missing user_id", http.StatusBadRequest)
		return
	}

	member, err := h.access.IsChannelMember(types.ChannelID(channelID), types.UserID(userID))
	if err != nil {
		http.Error(w, "Channel access check failed", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Not authorized to join this channel", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := New(ws, types.ChannelID(channelID), types.UserID(userID), h.opts)

	conn.OnClose(func(c *Connection) {
		h.registry.Detach(c.ChannelID(), c.ID())
		h.presence.ClearTyping(c.ChannelID(), c.UserID())
	})

	if err := h.registry.Attach(conn.ChannelID(), conn); err != nil {
		// Capacity rejection is surfaced to the client, not fatal to
		// the registry.
		log.Printf("Attach rejected for user %d on channel %d: %v", userID, channelID, err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "channel full"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	if err := conn.Start(); err != nil {
		log.Printf("Failed to start connection writer: %v", err)
		_ = conn.Close()
		return
	}

	// Connection confirmation frame; membership is already visible to
	// broadcasts at this point.
	_ = conn.EnqueueJSON(map[string]any{
		"type":       types.FrameTypeConnected,
		"channel_id": conn.ChannelID(),
		"user_id":    conn.UserID(),
	})

	go h.readLoop(conn)
}

// readLoop consumes client frames until the transport fails or the idle
// deadline hits. Transport errors are expected lifecycle events, logged
// at low severity only.
func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		_ = conn.Close()
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Connection %s read ended: %v", conn.ID(), err)
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}

		switch frame.Type {
		case types.FrameTypePing:
			_ = conn.EnqueueJSON(map[string]any{"type": types.FrameTypePong})

		case types.EventTypeTyping:
			if frame.IsTyping != nil && !*frame.IsTyping {
				h.presence.ClearTyping(conn.ChannelID(), conn.UserID())
			} else {
				h.presence.MarkTyping(conn.ChannelID(), conn.UserID())
			}
		}
	}
}
