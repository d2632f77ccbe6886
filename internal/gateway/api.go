// ABOUTME: HTTP API handlers for message mutations, seen-marking and conversation queries
// ABOUTME: Validates JSON bodies, maps lifecycle error kinds onto status codes, replays idempotent creates

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyHeader lets clients retry CreateMessage without duplicating it.
const IdempotencyHeader = "Idempotency-Key"

// CreateMessageRequest is the body of POST /api/messages.
type CreateMessageRequest struct {
	ConversationID string  `json:"conversationId" validate:"required,max=64"`
	Body           *string `json:"body,omitempty" validate:"omitempty,max=10000"`
	Image          *string `json:"image,omitempty" validate:"omitempty,max=2048"`
}

// EditMessageRequest is the body of PATCH /api/messages/{messageId}.
type EditMessageRequest struct {
	Body  *string `json:"body,omitempty" validate:"omitempty,max=10000"`
	Image *string `json:"image,omitempty" validate:"omitempty,max=2048"`
}

// StartConversationRequest is the body of POST /api/conversations.
type StartConversationRequest struct {
	UserID  string   `json:"userId,omitempty" validate:"required_if=IsGroup false"`
	IsGroup bool     `json:"isGroup,omitempty"`
	Name    string   `json:"name,omitempty" validate:"required_if=IsGroup true,max=100"`
	Members []string `json:"members,omitempty" validate:"required_if=IsGroup true,dive,required"`
}

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.logRequests)
	r.Use(g.metrics.Middleware)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path, g.metrics.Handler())
	}

	required := auth.HTTPAuthMiddleware(g.store, g.verifier)
	optional := auth.OptionalAuthMiddleware(g.store, g.verifier)

	r.Route("/api", func(api chi.Router) {
		// Seen-marking is best effort: anonymous callers get an empty result.
		api.With(optional).Post("/conversations/{conversationId}/seen", g.handleMarkSeen)

		api.Group(func(p chi.Router) {
			p.Use(required)
			p.Post("/messages", g.handleCreateMessage)
			p.Patch("/messages/{messageId}", g.handleEditMessage)
			p.Delete("/messages/{messageId}", g.handleDeleteMessage)
			p.Get("/conversations", g.handleListConversations)
			p.Post("/conversations", g.handleStartConversation)
			p.Get("/conversations/{conversationId}/messages", g.handleListMessages)
			p.Get("/realtime", g.handleRealtime)
		})
	})
	return r
}

// logRequests logs each request at debug level.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (g *Gateway) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req CreateMessageRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}

	creq := conversation.CreateRequest{
		SenderID:       id.UserID,
		ConversationID: req.ConversationID,
		Body:           req.Body,
		Image:          req.Image,
	}

	var (
		msg *store.Message
		err error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		msg, err = g.createOnce(r.Context(), id.UserID+":"+key, creq)
	} else {
		msg, err = g.conversation.CreateMessage(r.Context(), creq)
	}
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, msg)
}

// createOnce runs at most one create per idempotency key. Concurrent retries
// share the in-flight result; later ones replay it from the cache.
func (g *Gateway) createOnce(ctx context.Context, key string, req conversation.CreateRequest) (*store.Message, error) {
	if msg, ok := g.idempotency.Get(key); ok {
		g.logger.Debug("replaying idempotent create", "message_id", msg.ID)
		return msg, nil
	}

	v, err, shared := g.inflight.Do(key, func() (any, error) {
		if msg, ok := g.idempotency.Get(key); ok {
			return msg, nil
		}
		// Followers share this result, so the leader's cancellation must not fail them.
		msg, err := g.conversation.CreateMessage(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		g.idempotency.Put(key, msg)
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	msg := v.(*store.Message)
	if shared {
		g.logger.Debug("joined in-flight idempotent create", "message_id", msg.ID)
	}
	return msg, nil
}

func (g *Gateway) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req EditMessageRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}

	msg, err := g.conversation.EditMessage(r.Context(), conversation.EditRequest{
		MessageID: chi.URLParam(r, "messageId"),
		EditorID:  id.UserID,
		Body:      req.Body,
		Image:     req.Image,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, msg)
}

func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	deleted, err := g.conversation.DeleteMessage(r.Context(), id.UserID, chi.URLParam(r, "messageId"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, deleted)
}

func (g *Gateway) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")

	msgs, err := g.conversation.MarkSeen(r.Context(), auth.UserID(r.Context()), conversationID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.writeJSON(w, http.StatusOK, events.ConversationMessages{
		ConversationID: conversationID,
		Messages:       msgs,
	})
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conversation.ListConversations(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if !g.decodeRequest(w, r, &req) {
		return
	}

	conv, err := g.conversation.StartConversation(r.Context(), conversation.StartRequest{
		CreatorID: auth.UserID(r.Context()),
		UserID:    req.UserID,
		IsGroup:   req.IsGroup,
		Name:      req.Name,
		MemberIDs: req.Members,
	})
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.conversation.ListMessages(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "conversationId"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// decodeRequest parses and validates a JSON body, writing a 400 on failure.
func (g *Gateway) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := g.validate.Struct(dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// jsonFieldName reports struct fields by their JSON name in validation errors.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}

// validationMessage turns validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_if":
			parts = append(parts, fe.Field()+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// statusForKind maps lifecycle error kinds onto HTTP status codes.
func statusForKind(k conversation.Kind) int {
	switch k {
	case conversation.KindUnauthenticated:
		return http.StatusUnauthorized
	case conversation.KindNotFound:
		return http.StatusNotFound
	case conversation.KindInvalid:
		return http.StatusBadRequest
	case conversation.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError writes the response for a failed lifecycle operation.
// Internal causes are logged, never returned to the client.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	kind := conversation.KindOf(err)
	status := statusForKind(kind)
	if kind == conversation.KindInternal {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}

	msg := kind.String()
	var lerr *conversation.Error
	if errors.As(err, &lerr) {
		switch {
		case lerr.Err != nil && (kind == conversation.KindInvalid || kind == conversation.KindForbidden):
			msg = lerr.Err.Error()
		case lerr.Op != "":
			msg = lerr.Op + ": " + kind.String()
		}
	}
	g.sendJSONError(w, status, msg)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
