// Package devserver is a self-contained chat server for local development
// and integration tests: in-memory state, the REST surface the client
// expects and a websocket fanout of message, typing and receipt frames.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatlink/internal/domain"
	"chatlink/internal/logx"
	"chatlink/internal/metrics"
	"chatlink/internal/security"
)

// Server holds the in-memory chat state and the connection hub.
type Server struct {
	hub *hub
	log *slog.Logger

	mu     sync.Mutex
	convs  map[string]*domain.Conversation
	msgs   map[string]*domain.Message
	order  map[string][]string // conversationID -> message ids, oldest first
	nextID int64
}

func New() *Server {
	return &Server{
		hub:   newHub(),
		log:   logx.For("devserver"),
		convs: make(map[string]*domain.Conversation),
		msgs:  make(map[string]*domain.Message),
		order: make(map[string][]string),
	}
}

// SeedConversation pre-creates a conversation so clients have something to
// talk in.
func (s *Server) SeedConversation(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	c := conv
	s.convs[conv.ID] = &c
}

// Router builds the HTTP handler: REST surface, websocket endpoint, health
// and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.Get("/messaging/conversations", s.handleListConversations)
		r.Get("/messaging/conversations/{conversationID}/messages", s.handleListMessages)
		r.Post("/messaging/conversations/{conversationID}/messages/", s.handleCreateMessage)
		r.Patch("/messaging/messages/{messageID}/", s.handleEditMessage)
		r.Delete("/messaging/messages/{messageID}/", s.handleDeleteMessage)
		r.Post("/messaging/messages/{messageID}/reactions/{kind}/", s.handleAddReaction)
		r.Delete("/messaging/messages/{messageID}/reactions/{kind}/", s.handleRemoveReaction)
	})

	r.Get("/ws", s.handleWS)
	return r
}

type ctxKey int

const identityKey ctxKey = 0

func contextWithIdentity(ctx context.Context, identity *security.TokenIdentity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func identityFromContext(ctx context.Context) *security.TokenIdentity {
	if identity, ok := ctx.Value(identityKey).(*security.TokenIdentity); ok {
		return identity
	}
	return &security.TokenIdentity{UserID: "anonymous", DisplayName: "anonymous"}
}

func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := security.IdentityFromToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := contextWithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

type createMessageInput struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Type           domain.MessageType `json:"type"`
	ClientID       string             `json:"clientId"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	convID := chi.URLParam(r, "conversationID")

	var in createMessageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if in.Content == "" {
		http.Error(w, "empty content", http.StatusBadRequest)
		return
	}
	if in.Type == "" {
		in.Type = domain.MessageText
	}

	s.mu.Lock()
	if _, ok := s.convs[convID]; !ok {
		s.mu.Unlock()
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	s.nextID++
	msg := &domain.Message{
		ID:             fmt.Sprintf("srv-%d", s.nextID),
		ClientID:       in.ClientID,
		ConversationID: convID,
		Content:        in.Content,
		Type:           in.Type,
		Sender: domain.Sender{
			ID:          identity.UserID,
			DisplayName: identity.DisplayName,
		},
		Timestamp: time.Now().UTC(),
		Status:    domain.StatusSent,
	}
	s.msgs[msg.ID] = msg
	s.order[convID] = append(s.order[convID], msg.ID)
	out := *msg
	s.mu.Unlock()

	s.broadcastMessage(domain.MessageActionCreate, out, "")
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "messageID")

	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Content == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	msg, ok := s.msgs[msgID]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	msg.Content = in.Content
	msg.IsEdited = true
	msg.Timestamp = time.Now().UTC()
	out := *msg
	s.mu.Unlock()

	s.broadcastMessage(domain.MessageActionUpdate, out, "")
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	msgID := chi.URLParam(r, "messageID")

	s.mu.Lock()
	msg, ok := s.msgs[msgID]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	delete(s.msgs, msgID)
	ids := s.order[msg.ConversationID]
	for i, id := range ids {
		if id == msgID {
			s.order[msg.ConversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	out := *msg
	s.mu.Unlock()

	s.broadcastMessage(domain.MessageActionDelete, out, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	s.mutateReaction(w, r, true)
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	s.mutateReaction(w, r, false)
}

func (s *Server) mutateReaction(w http.ResponseWriter, r *http.Request, add bool) {
	identity := identityFromContext(r.Context())
	msgID := chi.URLParam(r, "messageID")
	kind := chi.URLParam(r, "kind")

	s.mu.Lock()
	msg, ok := s.msgs[msgID]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	users := msg.Reactions[kind]
	if add {
		found := false
		for _, u := range users {
			if u == identity.UserID {
				found = true
				break
			}
		}
		if !found {
			msg.Reactions[kind] = append(users, identity.UserID)
		}
	} else {
		for i, u := range users {
			if u == identity.UserID {
				msg.Reactions[kind] = append(users[:i], users[i+1:]...)
				break
			}
		}
		if len(msg.Reactions[kind]) == 0 {
			delete(msg.Reactions, kind)
		}
	}
	msg.Timestamp = time.Now().UTC()
	out := *msg
	s.mu.Unlock()

	s.broadcastMessage(domain.MessageActionUpdate, out, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("cursor"))

	s.mu.Lock()
	ids := s.order[convID]
	// newest first
	page := make([]domain.Message, 0, limit)
	for i := len(ids) - 1 - offset; i >= 0 && len(page) < limit; i-- {
		page = append(page, *s.msgs[ids[i]])
	}
	remaining := len(ids) - offset - len(page)
	s.mu.Unlock()

	out := map[string]any{
		"messages": page,
		"hasMore":  remaining > 0,
	}
	if remaining > 0 {
		out["nextCursor"] = strconv.Itoa(offset + len(page))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	convs := make([]domain.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, *c)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

var upgrader = websocket.Upgrader{
	// local development tool, any origin may connect
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := security.IdentityFromToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	defer conn.Close()

	s.hub.register(identity.UserID, c)
	defer s.hub.unregister(identity.UserID, c)

	ack, err := domain.NewFrame(domain.FrameConnectionAck, domain.ConnectionAck{
		SessionID:  uuid.NewString(),
		ServerTime: time.Now().UTC(),
	})
	if err == nil {
		_ = c.writeFrame(ack)
	}

	for {
		var frame domain.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case domain.FrameHeartbeat:
			_ = c.writeFrame(domain.HeartbeatFrame())

		case domain.FrameTypingIndicator:
			var event domain.TypingEvent
			if err := json.Unmarshal(frame.Payload, &event); err != nil {
				continue
			}
			event.UserID = identity.UserID
			out, err := domain.NewFrame(domain.FrameTypingIndicator, event)
			if err == nil {
				s.hub.broadcast(out, identity.UserID)
			}

		case domain.FrameReadReceipt:
			var event domain.ReceiptEvent
			if err := json.Unmarshal(frame.Payload, &event); err != nil {
				continue
			}
			event.UserID = identity.UserID
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now().UTC()
			}
			s.applyReceipt(event)
			out, err := domain.NewFrame(domain.FrameReadReceipt, event)
			if err == nil {
				s.hub.broadcast(out, identity.UserID)
			}

		default:
			s.log.Debug("ignoring frame", "type", frame.Type, "user", identity.UserID)
		}
	}
}

func (s *Server) applyReceipt(event domain.ReceiptEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[event.MessageID]
	if !ok {
		return
	}
	for _, u := range msg.ReadBy {
		if u == event.UserID {
			return
		}
	}
	msg.ReadBy = append(msg.ReadBy, event.UserID)
}

func (s *Server) broadcastMessage(action string, msg domain.Message, skipUserID string) {
	frame, err := domain.NewFrame(domain.FrameConversationMessage, domain.MessageEvent{
		Action:  action,
		Message: msg,
	})
	if err != nil {
		return
	}
	s.hub.broadcast(frame, skipUserID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
