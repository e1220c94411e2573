package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"huddle/internal/broadcast"
	"huddle/internal/store"
	"huddle/pkg/types"
)

// Narrow interfaces keep the HTTP layer decoupled from the concrete
// registry/presence/push implementations.
type Registry interface {
	Stats() map[string]int
}

type Presence interface {
	ActiveTypists(channelID types.ChannelID) []types.UserID
}

type PushDispatcher interface {
	DispatchIfOffline(event types.Event, recipients []types.UserID)
	Stats() map[string]int
}

// Server is the HTTP surface of the delivery subsystem: message intake
// (the Event Source entry point), the polling bridge, push subscription
// management and health. No fan-out logic lives here.
type Server struct {
	storeManager   *store.Manager
	broadcaster    *broadcast.Broadcaster
	registry       Registry
	presence       Presence
	push           PushDispatcher
	vapidPublicKey string
	router         *http.ServeMux

	// publishMu serializes sequence allocation through Publish per
	// channel. Without it a request that allocated a higher sequence
	// could reach the broadcaster first, and the ring would retain
	// events out of sequence order.
	publishMu [16]sync.Mutex
}

func (s *Server) channelLock(channelID types.ChannelID) *sync.Mutex {
	return &s.publishMu[uint64(channelID)%uint64(len(s.publishMu))]
}

// NewServer wires the API routes over the given components.
func NewServer(storeManager *store.Manager, broadcaster *broadcast.Broadcaster, registry Registry, presence Presence, push PushDispatcher, vapidPublicKey string) *Server {
	s := &Server{
		storeManager:   storeManager,
		broadcaster:    broadcaster,
		registry:       registry,
		presence:       presence,
		push:           push,
		vapidPublicKey: vapidPublicKey,
		router:         http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/channels", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleChannels))))
	s.router.Handle("/api/channels/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleChannelByID))))
	s.router.Handle("/api/push/vapid-public-key", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleVAPIDPublicKey))))
	s.router.Handle("/api/push/subscribe", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handlePushSubscribe))))
	s.router.Handle("/api/push/unsubscribe", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handlePushUnsubscribe))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/response types for JSON serialization.
type CreateChannelRequest struct {
	Name string `json:"name"`
}

type AddMemberRequest struct {
	UserID int64 `json:"user_id"`
}

type PostMessageRequest struct {
	UserID  int64  `json:"user_id"`
	Content string `json:"content"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	Message  *types.Message        `json:"message"`
	Delivery *types.DeliveryReport `json:"delivery"`
}

type PollResponse struct {
	Events    []types.Event `json:"events"`
	Watermark int64         `json:"watermark"`
}

type TypingResponse struct {
	UserIDs []types.UserID `json:"user_ids"`
}

type SubscribeRequest struct {
	UserID   int64  `json:"user_id"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleChannels covers POST /api/channels (bootstrap surface for the
// external CRUD collaborator).
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createChannel(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChannelByID dispatches /api/channels/{id}/... subresources:
// members, messages, events (polling bridge) and typing.
func (s *Server) handleChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.sendError(w, "Channel ID required", http.StatusBadRequest)
		return
	}

	channelID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || channelID <= 0 {
		s.sendError(w, "Invalid channel ID", http.StatusBadRequest)
		return
	}
	channel := types.ChannelID(channelID)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "members" && r.Method == http.MethodPost:
		s.addMember(w, r, channel)
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		s.postMessage(w, r, channel)
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "edit" && r.Method == http.MethodPost:
		s.editMessage(w, r, channel, parts[2])
	case len(parts) == 3 && parts[1] == "messages" && r.Method == http.MethodDelete:
		s.deleteMessage(w, r, channel, parts[2])
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.pollEvents(w, r, channel)
	case len(parts) == 2 && parts[1] == "typing" && r.Method == http.MethodGet:
		s.activeTypists(w, r, channel)
	default:
		s.sendError(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.sendError(w, "Channel name required", http.StatusBadRequest)
		return
	}

	channelID, err := s.storeManager.EnsureChannel(r.Context(), req.Name)
	if err != nil {
		s.sendError(w, "Failed to create channel", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, map[string]any{"channel_id": channelID}, http.StatusCreated)
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request, channelID types.ChannelID) {
	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		s.sendError(w, "Valid user_id required", http.StatusBadRequest)
		return
	}

	if err := s.storeManager.AddMember(r.Context(), channelID, types.UserID(req.UserID)); err != nil {
		s.sendError(w, "Failed to add member", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, map[string]any{"status": "added"}, http.StatusOK)
}

// postMessage is the Event Source path: persist first, then publish to
// live connections, then hand offline recipients to the push
// dispatcher. The event never precedes the durable record.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, channelID types.ChannelID) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		s.sendError(w, "Valid user_id required", http.StatusBadRequest)
		return
	}
	if err := types.ValidateContent(req.Content); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	message, err := s.storeManager.AppendMessage(r.Context(), channelID, types.UserID(req.UserID), req.Content)
	if err != nil {
		lock.Unlock()
		if err == store.ErrChannelNotFound {
			s.sendError(w, "Channel not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to store message", http.StatusInternalServerError)
		return
	}

	event := types.Event{
		ChannelID:  channelID,
		Type:       types.EventTypeMessageCreated,
		Sequence:   message.Seq,
		OccurredAt: message.CreatedAt,
		Payload: map[string]any{
			"message_id": message.ID,
			"user_id":    int64(message.UserID),
			"content":    message.Content,
		},
	}

	report, err := s.broadcaster.Publish(event)
	lock.Unlock()
	if err != nil {
		s.sendError(w, "Failed to broadcast message", http.StatusInternalServerError)
		return
	}

	s.dispatchPush(r, event, channelID)

	s.sendJSON(w, MessageResponse{Message: message, Delivery: report}, http.StatusCreated)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request, channelID types.ChannelID, rawID string) {
	messageID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || messageID <= 0 {
		s.sendError(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := types.ValidateContent(req.Content); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	if !s.messageInChannel(w, r, channelID, messageID) {
		lock.Unlock()
		return
	}

	message, eventSeq, err := s.storeManager.MarkEdited(r.Context(), messageID, req.Content)
	if err != nil {
		lock.Unlock()
		if err == store.ErrMessageNotFound {
			s.sendError(w, "Message not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to edit message", http.StatusInternalServerError)
		return
	}

	event := types.Event{
		ChannelID:  channelID,
		Type:       types.EventTypeMessageEdited,
		Sequence:   eventSeq,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"message_id": message.ID,
			"content":    message.Content,
		},
	}

	report, err := s.broadcaster.Publish(event)
	lock.Unlock()
	if err != nil {
		s.sendError(w, "Failed to broadcast edit", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, MessageResponse{Message: message, Delivery: report}, http.StatusOK)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request, channelID types.ChannelID, rawID string) {
	messageID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || messageID <= 0 {
		s.sendError(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	lock := s.channelLock(channelID)
	lock.Lock()
	if !s.messageInChannel(w, r, channelID, messageID) {
		lock.Unlock()
		return
	}

	message, eventSeq, err := s.storeManager.MarkDeleted(r.Context(), messageID)
	if err != nil {
		lock.Unlock()
		if err == store.ErrMessageNotFound {
			s.sendError(w, "Message not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to delete message", http.StatusInternalServerError)
		return
	}

	event := types.Event{
		ChannelID:  channelID,
		Type:       types.EventTypeMessageDeleted,
		Sequence:   eventSeq,
		OccurredAt: time.Now().UTC(),
		Payload: map[string]any{
			"message_id": message.ID,
		},
	}

	report, err := s.broadcaster.Publish(event)
	lock.Unlock()
	if err != nil {
		s.sendError(w, "Failed to broadcast deletion", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, MessageResponse{Message: message, Delivery: report}, http.StatusOK)
}

// pollEvents is the polling bridge: GET /api/channels/{id}/events?after=N
// returns retained events past the watermark, or 410 when the client
// fell behind the retention window and must resync.
func (s *Server) pollEvents(w http.ResponseWriter, r *http.Request, channelID types.ChannelID) {
	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			s.sendError(w, "Invalid after parameter", http.StatusBadRequest)
			return
		}
		after = parsed
	}

	events, watermark, err := s.broadcaster.History().EventsAfter(channelID, after)
	if err == types.ErrWatermarkExpired {
		s.sendError(w, "watermark_expired", http.StatusGone)
		return
	}
	if err != nil {
		s.sendError(w, "Failed to read events", http.StatusInternalServerError)
		return
	}

	if events == nil {
		events = []types.Event{}
	}
	s.sendJSON(w, PollResponse{Events: events, Watermark: watermark}, http.StatusOK)
}

func (s *Server) activeTypists(w http.ResponseWriter, r *http.Request, channelID types.ChannelID) {
	userIDs := s.presence.ActiveTypists(channelID)
	if userIDs == nil {
		userIDs = []types.UserID{}
	}
	s.sendJSON(w, TypingResponse{UserIDs: userIDs}, http.StatusOK)
}

// messageInChannel verifies the target message belongs to the channel
// named in the URL, so the channel lock held by the caller guards the
// channel the write will actually sequence. Writes the error response
// and returns false on any mismatch or lookup failure.
func (s *Server) messageInChannel(w http.ResponseWriter, r *http.Request, channelID types.ChannelID, messageID int64) bool {
	existing, err := s.storeManager.GetMessage(r.Context(), messageID)
	if err != nil {
		if err == store.ErrMessageNotFound {
			s.sendError(w, "Message not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to look up message", http.StatusInternalServerError)
		}
		return false
	}
	if existing.ChannelID != channelID {
		s.sendError(w, "Message not found", http.StatusNotFound)
		return false
	}
	return true
}

// dispatchPush hands the channel's full membership to the push
// dispatcher; the dispatcher filters out everyone currently online.
func (s *Server) dispatchPush(r *http.Request, event types.Event, channelID types.ChannelID) {
	members, err := s.storeManager.ChannelMembers(r.Context(), channelID)
	if err != nil {
		log.Printf("Failed to load channel %d members for push dispatch: %v", channelID, err)
		return
	}
	if len(members) == 0 {
		return
	}
	s.push.DispatchIfOffline(event, members)
}

func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.vapidPublicKey == "" {
		s.sendError(w, "Push notifications not configured", http.StatusNotImplemented)
		return
	}
	s.sendJSON(w, map[string]string{"publicKey": s.vapidPublicKey}, http.StatusOK)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.vapidPublicKey == "" {
		s.sendError(w, "Push notifications not configured", http.StatusNotImplemented)
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.UserID <= 0 || req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		s.sendError(w, "user_id, endpoint, p256dh and auth required", http.StatusBadRequest)
		return
	}

	sub := &types.PushSubscription{
		UserID:    types.UserID(req.UserID),
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dh,
		AuthKey:   req.Auth,
		UserAgent: r.Header.Get("User-Agent"),
	}
	if err := s.storeManager.SavePushSubscription(r.Context(), sub); err != nil {
		s.sendError(w, "Failed to save subscription", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, map[string]string{"status": "subscribed"}, http.StatusOK)
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.UserID <= 0 || req.Endpoint == "" {
		s.sendError(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}

	if err := s.storeManager.DeletePushSubscription(r.Context(), types.UserID(req.UserID), req.Endpoint); err != nil {
		s.sendError(w, "Failed to delete subscription", http.StatusInternalServerError)
		return
	}

	s.sendJSON(w, map[string]string{"status": "unsubscribed"}, http.StatusOK)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"registry":  s.registry.Stats(),
		"broadcast": s.broadcaster.Stats(),
		"push":      s.push.Stats(),
	}

	s.sendJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"stats":     stats,
	}, http.StatusOK)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
