// Package rest is the client for the messaging REST surface: message
// history, send/edit/delete and reactions. Responses and failures are mapped
// onto the domain error taxonomy so callers can route them (queue vs. fail).
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatlink/internal/domain"
)

const maxContentRunes = 5000

// Client talks to the messaging API with a bearer token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SendMessageInput is the payload for a message send.
type SendMessageInput struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	Type           domain.MessageType `json:"type"`
	ClientID       string             `json:"clientId,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
}

// SendMessage posts a new message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation id", domain.ErrInvalidInput)
	}
	if in.Content == "" {
		return nil, fmt.Errorf("%w: empty content", domain.ErrInvalidInput)
	}
	if len([]rune(in.Content)) > maxContentRunes {
		return nil, fmt.Errorf("%w: content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	if in.Type == "" {
		in.Type = domain.MessageText
	}

	var out domain.Message
	path := fmt.Sprintf("/messaging/conversations/%s/messages/", url.PathEscape(in.ConversationID))
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EditMessage patches a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*domain.Message, error) {
	if len([]rune(content)) > maxContentRunes {
		return nil, fmt.Errorf("%w: content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	var out domain.Message
	path := fmt.Sprintf("/messaging/messages/%s/", url.PathEscape(messageID))
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/messaging/messages/%s/", url.PathEscape(messageID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// AddReaction attaches a reaction kind to a message for the current user.
func (c *Client) AddReaction(ctx context.Context, messageID, kind string) error {
	path := fmt.Sprintf("/messaging/messages/%s/reactions/%s/", url.PathEscape(messageID), url.PathEscape(kind))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// RemoveReaction removes a reaction kind from a message for the current user.
func (c *Client) RemoveReaction(ctx context.Context, messageID, kind string) error {
	path := fmt.Sprintf("/messaging/messages/%s/reactions/%s/", url.PathEscape(messageID), url.PathEscape(kind))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// PageOptions control message-history pagination.
type PageOptions struct {
	Cursor    string
	Limit     int
	Direction string // "older" (default) or "newer"
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
	HasMore    bool             `json:"hasMore"`
}

// ListMessages fetches cursor-paginated history for a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string, opts PageOptions) (*MessagePage, error) {
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Direction != "" {
		q.Set("direction", opts.Direction)
	}
	path := fmt.Sprintf("/messaging/conversations/%s/messages", url.PathEscape(conversationID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations fetches the caller's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out struct {
		Conversations []domain.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/messaging/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrNetworkUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, domain.ErrAuth)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(detail)), domain.ErrServerRejected)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
