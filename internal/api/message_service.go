package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/matheus3301/wpphub/internal/messaging"
	"github.com/matheus3301/wpphub/internal/store"
)

// MessageService sends messages directly or through the outbox.
type MessageService struct {
	store  Store
	sender Sender
	queue  Queue
}

func NewMessageService(s Store, sender Sender, queue Queue) *MessageService {
	return &MessageService{store: s, sender: sender, queue: queue}
}

type sendRequest struct {
	To      string `json:"to" binding:"required"`
	Content string `json:"content"`
	Type    string `json:"type"`
	// Queue hands the message to the outbox and returns immediately.
	Queue bool `json:"queue"`
}

func (s *MessageService) Send(c *gin.Context) {
	acc, ok := loadAccount(c, s.store)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: to is required")
		return
	}
	typ := store.MessageType(strings.ToUpper(req.Type))

	if req.Queue {
		if typ != "" && typ != store.TypeText {
			fail(c, http.StatusNotImplemented, ErrCodeNotImplemented, "only TEXT messages can be queued")
			return
		}
		entry, err := s.queue.Enqueue(c.Request.Context(), acc.ID, req.To, req.Content)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, newOutboxView(entry))
		return
	}

	res := s.sender.Send(c.Request.Context(), acc.ID, req.To, req.Content, typ)
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Error == messaging.ErrSessionNotReady.Error():
		fail(c, http.StatusConflict, ErrCodeSessionNotReady, res.Error)
	case strings.HasPrefix(res.Error, messaging.ErrUnsupportedType.Error()):
		fail(c, http.StatusNotImplemented, ErrCodeNotImplemented, res.Error)
	default:
		fail(c, http.StatusBadGateway, ErrCodeSendFailed, res.Error)
	}
}

func (s *MessageService) GetOutbox(c *gin.Context) {
	entry, err := s.store.GetOutbox(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "outbox entry not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, newOutboxView(entry))
}
