package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// ChatService lists persisted conversations and their messages.
type ChatService struct {
	store Store
	bus   *bus.Bus
}

func NewChatService(s Store, b *bus.Bus) *ChatService {
	return &ChatService{store: s, bus: b}
}

// ListConversations returns the account's conversations, most recent first.
func (s *ChatService) ListConversations(c *gin.Context) {
	acc, ok := loadAccount(c, s.store)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}

	convs, err := s.store.ListConversations(c.Request.Context(), acc.ID, clampLimit(limit), offset)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	out := make([]conversationView, len(convs))
	for i, cv := range convs {
		out[i] = newConversationView(cv)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// ListMessages pages backward through a conversation with ?before=<unix ms>.
func (s *ChatService) ListMessages(c *gin.Context) {
	conv, err := s.store.GetConversationByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	before, ok := queryInt(c, "before", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultPageSize)
	if !ok {
		return
	}

	msgs, err := s.store.ListMessages(c.Request.Context(), conv.ID, int64(before), clampLimit(limit))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	out := make([]messageView, len(msgs))
	for i, m := range msgs {
		out[i] = newMessageView(m)
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// MarkRead zeroes the conversation's unread counter once an agent has read it.
func (s *ChatService) MarkRead(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.store.ClearUnread(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	conv, err := s.store.GetConversationByID(ctx, id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindConversationRead, AccountID: conv.AccountID, Timestamp: time.Now(), Payload: conv.ID})
	}
	c.JSON(http.StatusOK, newConversationView(*conv))
}

// queryInt parses a non-negative integer query parameter. It writes a 400
// and returns false when the value is malformed.
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid "+key)
		return 0, false
	}
	return n, true
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}
