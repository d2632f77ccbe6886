// ABOUTME: HTTP client for the gateway's JSON mutation and query API
// ABOUTME: Maps non-2xx responses to APIError carrying the server's error message

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// API talks to one gateway as one user.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI creates a client for baseURL (http:// or https://). A nil
// httpClient uses a client with a 30s timeout.
func NewAPI(baseURL, token string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// RealtimeURL is the WebSocket URL matching the API base URL.
func (a *API) RealtimeURL() (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/realtime"
	return u.String(), nil
}

// NewMessage is the body of a create request.
type NewMessage struct {
	ConversationID string  `json:"conversationId"`
	Body           *string `json:"body,omitempty"`
	Image          *string `json:"image,omitempty"`
}

// MessageEdit is the body of an edit request. Nil fields are left unchanged.
type MessageEdit struct {
	Body  *string `json:"body,omitempty"`
	Image *string `json:"image,omitempty"`
}

// NewConversation is the body of a start-conversation request.
type NewConversation struct {
	UserID  string   `json:"userId,omitempty"`
	IsGroup bool     `json:"isGroup,omitempty"`
	Name    string   `json:"name,omitempty"`
	Members []string `json:"members,omitempty"`
}

// CreateMessage posts a message. A non-empty idempotencyKey makes retries
// return the originally created message.
func (a *API) CreateMessage(ctx context.Context, msg NewMessage, idempotencyKey string) (*store.Message, error) {
	var out store.Message
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	if err := a.do(ctx, http.MethodPost, "/api/messages", header, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage patches a message.
func (a *API) EditMessage(ctx context.Context, messageID string, edit MessageEdit) (*store.Message, error) {
	var out store.Message
	if err := a.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID), nil, edit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage deletes a message and returns its final snapshot.
func (a *API) DeleteMessage(ctx context.Context, messageID string) (*store.Message, error) {
	var out store.Message
	if err := a.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkSeen marks every message in the conversation seen by the caller.
func (a *API) MarkSeen(ctx context.Context, conversationID string) ([]*store.Message, error) {
	var out events.ConversationMessages
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/seen"
	if err := a.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ListConversations returns the caller's conversations, newest activity first.
func (a *API) ListConversations(ctx context.Context) ([]*store.Conversation, error) {
	var out struct {
		Conversations []*store.Conversation `json:"conversations"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// StartConversation opens a one-to-one or group conversation.
func (a *API) StartConversation(ctx context.Context, req NewConversation) (*store.Conversation, error) {
	var out store.Conversation
	if err := a.do(ctx, http.MethodPost, "/api/conversations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns a conversation's history, oldest first.
func (a *API) ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	var out struct {
		Messages []*store.Message `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := a.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *API) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
