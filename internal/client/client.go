// Package client talks to the daemon's HTTP API.
package client

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

	"github.com/matheus3301/wpphub/internal/messaging"
	"github.com/matheus3301/wpphub/internal/session"
	intsync "github.com/matheus3301/wpphub/internal/sync"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	Status    int    `json:"-"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
}

type Account struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Label       string  `json:"label"`
	DisplayName string  `json:"display_name"`
	Phone       string  `json:"phone"`
	Status      string  `json:"status"`
	QRCode      *string `json:"qr_code"`
	LastSeenAt  int64   `json:"last_seen_at"`
	LastSyncAt  int64   `json:"last_sync_at"`
	CreatedAt   int64   `json:"created_at"`
}

type Conversation struct {
	ID            string `json:"id"`
	ContactNumber string `json:"contact_number"`
	ContactName   string `json:"contact_name"`
	IsGroup       bool   `json:"is_group"`
	LastMessageAt int64  `json:"last_message_at"`
	UnreadCount   int    `json:"unread_count"`
	Status        string `json:"status"`
}

type Message struct {
	ID                string `json:"id"`
	ProviderMessageID string `json:"provider_message_id"`
	Direction         string `json:"direction"`
	Type              string `json:"type"`
	Content           string `json:"content"`
	Status            string `json:"status"`
	From              string `json:"from"`
	To                string `json:"to"`
	Timestamp         int64  `json:"timestamp"`
}

type OutboxEntry struct {
	ID                string `json:"id"`
	AccountID         string `json:"account_id"`
	To                string `json:"to"`
	Status            string `json:"status"`
	Error             string `json:"error"`
	ProviderMessageID string `json:"provider_message_id"`
}

// SendRequest is the body of a send call.
type SendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	Queue   bool   `json:"queue,omitempty"`
}

// Client wraps an http.Client pointed at one daemon.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the daemon listening on addr ("host:port" or a URL).
func New(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	// Starting a session may legitimately wait for the pairing code.
	return &Client{base: base, http: &http.Client{Timeout: 60 * time.Second}}
}

func (c *Client) CreateAccount(ctx context.Context, id, userID, label string) (*Account, error) {
	var out Account
	body := map[string]string{"id": id, "user_id": userID, "label": label}
	return &out, c.do(ctx, http.MethodPost, "/v1/accounts", nil, body, &out)
}

func (c *Client) GetAccount(ctx context.Context, id string) (*Account, error) {
	var out Account
	return &out, c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(id), nil, nil, &out)
}

func (c *Client) StartSession(ctx context.Context, accountID, userID string) (session.StartResult, error) {
	var out session.StartResult
	body := map[string]string{"user_id": userID}
	return out, c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/session", nil, body, &out)
}

func (c *Client) StopSession(ctx context.Context, accountID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/accounts/"+url.PathEscape(accountID)+"/session", nil, nil, nil)
}

func (c *Client) RestoreAll(ctx context.Context) (session.RestoreReport, error) {
	var out session.RestoreReport
	return out, c.do(ctx, http.MethodPost, "/v1/sessions/restore", nil, nil, &out)
}

func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var out struct {
		Sessions []session.Info `json:"sessions"`
	}
	return out.Sessions, c.do(ctx, http.MethodGet, "/v1/sessions", nil, nil, &out)
}

func (c *Client) SyncAll(ctx context.Context, accountID string) (intsync.Result, error) {
	var out intsync.Result
	return out, c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/sync", nil, nil, &out)
}

// Send delivers immediately.
func (c *Client) Send(ctx context.Context, accountID string, req SendRequest) (messaging.SendResult, error) {
	req.Queue = false
	var out messaging.SendResult
	return out, c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/messages", nil, req, &out)
}

// Enqueue hands the message to the outbox.
func (c *Client) Enqueue(ctx context.Context, accountID string, req SendRequest) (*OutboxEntry, error) {
	req.Queue = true
	var out OutboxEntry
	return &out, c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/messages", nil, req, &out)
}

func (c *Client) Outbox(ctx context.Context, id string) (*OutboxEntry, error) {
	var out OutboxEntry
	return &out, c.do(ctx, http.MethodGet, "/v1/outbox/"+url.PathEscape(id), nil, nil, &out)
}

func (c *Client) Conversations(ctx context.Context, accountID string, limit, offset int) ([]Conversation, error) {
	q := url.Values{}
	setInt(q, "limit", limit)
	setInt(q, "offset", offset)
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	return out.Conversations, c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID)+"/conversations", q, nil, &out)
}

func (c *Client) Messages(ctx context.Context, conversationID string, before int64, limit int) ([]Message, error) {
	q := url.Values{}
	setInt(q, "before", int(before))
	setInt(q, "limit", limit)
	var out struct {
		Messages []Message `json:"messages"`
	}
	return out.Messages, c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &out)
}

// MarkRead zeroes a conversation's unread counter.
func (c *Client) MarkRead(ctx context.Context, conversationID string) (*Conversation, error) {
	var out Conversation
	return &out, c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, &out)
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setInt(q url.Values, key string, v int) {
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
}
