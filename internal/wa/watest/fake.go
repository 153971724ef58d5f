// Package watest provides an in-memory wa.Client for tests.
package watest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wpphub/internal/wa"
)

// Send records one SendText call.
type Send struct {
	To   string
	Text string
	ID   string
}

// Client is a scriptable wa.Client. Events are delivered synchronously by Emit.
type Client struct {
	AccountID      string
	CredentialPath string

	// Script is emitted in order, from a separate goroutine, after Connect.
	Script []wa.Event

	ConnectErr error
	ChatsErr   error
	SendErr    error
	LookupErr  error
	// EchoSends makes SendText emit a MessageEcho like the real adapter.
	EchoSends bool

	mu       sync.Mutex
	handlers []func(wa.Event)
	identity wa.Identity
	chats    []wa.Chat
	names    map[string]string
	pictures map[string]string
	sends    []Send
	connects int
	closes   int
	nextID   int
}

var _ wa.Client = (*Client)(nil)

// NewClient returns an empty fake.
func NewClient() *Client {
	return &Client{
		names:    make(map[string]string),
		pictures: make(map[string]string),
	}
}

// SetIdentity sets what Identity returns.
func (c *Client) SetIdentity(id wa.Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// SetChats sets what ListChats returns.
func (c *Client) SetChats(chats ...wa.Chat) {
	c.mu.Lock()
	c.chats = chats
	c.mu.Unlock()
}

// SetName registers a display name for jid.
func (c *Client) SetName(jid, name string) {
	c.mu.Lock()
	c.names[jid] = name
	c.mu.Unlock()
}

// SetPicture registers an avatar URL for jid.
func (c *Client) SetPicture(jid, url string) {
	c.mu.Lock()
	c.pictures[jid] = url
	c.mu.Unlock()
}

func (c *Client) Connect(_ context.Context) error {
	c.mu.Lock()
	c.connects++
	script := slices.Clone(c.Script)
	err := c.ConnectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(script) > 0 {
		go func() {
			for _, evt := range script {
				c.Emit(evt)
			}
		}()
	}
	return nil
}

func (c *Client) AddEventHandler(fn func(wa.Event)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Emit delivers evt to every registered handler before returning.
func (c *Client) Emit(evt wa.Event) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *Client) Identity() wa.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) ListChats(_ context.Context) ([]wa.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChatsErr != nil {
		return nil, c.ChatsErr
	}
	return slices.Clone(c.chats), nil
}

func (c *Client) SendText(_ context.Context, to, text string) (string, error) {
	c.mu.Lock()
	if c.SendErr != nil {
		c.mu.Unlock()
		return "", c.SendErr
	}
	c.nextID++
	id := fmt.Sprintf("FAKE%04d", c.nextID)
	c.sends = append(c.sends, Send{To: to, Text: text, ID: id})
	echo := c.EchoSends
	c.mu.Unlock()

	if echo {
		c.Emit(wa.Event{Kind: wa.EventMessageEcho, Message: &wa.Message{
			ID:        id,
			Chat:      to,
			FromMe:    true,
			IsGroup:   wa.IsGroupJID(to),
			Type:      wa.TypeText,
			Body:      text,
			Timestamp: time.Now(),
		}})
	}
	return id, nil
}

func (c *Client) LookupName(_ context.Context, jid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LookupErr != nil {
		return "", c.LookupErr
	}
	if name, ok := c.names[jid]; ok {
		return name, nil
	}
	return "", wa.ErrNotFound
}

func (c *Client) ProfilePictureURL(_ context.Context, jid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LookupErr != nil {
		return "", c.LookupErr
	}
	if url, ok := c.pictures[jid]; ok {
		return url, nil
	}
	return "", wa.ErrNotFound
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

// Sends returns every successful SendText call.
func (c *Client) Sends() []Send {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sends)
}

// Connects returns how many times Connect was called.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// Factory builds fakes and counts constructions.
type Factory struct {
	// Setup configures each new client before it is returned.
	Setup func(c *Client)
	// Delay is slept inside every construction.
	Delay time.Duration
	Err   error

	created atomic.Int32
	mu      sync.Mutex
	clients map[string][]*Client
}

// New is a wa.Factory.
func (f *Factory) New(ctx context.Context, accountID, credentialPath string) (wa.Client, error) {
	f.created.Add(1)
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewClient()
	c.AccountID = accountID
	c.CredentialPath = credentialPath
	if f.Setup != nil {
		f.Setup(c)
	}
	f.mu.Lock()
	if f.clients == nil {
		f.clients = make(map[string][]*Client)
	}
	f.clients[accountID] = append(f.clients[accountID], c)
	f.mu.Unlock()
	return c, nil
}

// Created returns the number of constructions attempted.
func (f *Factory) Created() int {
	return int(f.created.Load())
}

// Last returns the newest client built for accountID, or nil.
func (f *Factory) Last(accountID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[accountID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}
