package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matheus3301/wpphub/internal/paths"
	"github.com/matheus3301/wpphub/internal/store"
)

// SessionService provisions accounts and drives their connection lifecycle.
type SessionService struct {
	store    Store
	sessions Sessions
	syncer   Syncer
}

func NewSessionService(s Store, sessions Sessions, syncer Syncer) *SessionService {
	return &SessionService{store: s, sessions: sessions, syncer: syncer}
}

type createAccountRequest struct {
	ID     string `json:"id"`
	UserID string `json:"user_id" binding:"required"`
	Label  string `json:"label"`
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *SessionService) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: user_id is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := paths.ValidateAccountID(req.ID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	acc := &store.Account{ID: req.ID, UserID: req.UserID, Label: strings.TrimSpace(req.Label)}
	err := s.store.CreateAccount(c.Request.Context(), acc)
	if errors.Is(err, store.ErrConflict) {
		fail(c, http.StatusConflict, ErrCodeConflict, "account already exists")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusCreated, newAccountView(acc))
}

func (s *SessionService) GetAccount(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	v := newAccountView(acc)
	last, err := s.syncer.LastFullSync(c.Request.Context(), acc.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if !last.IsZero() {
		v.LastSyncAt = last.UnixMilli()
	}
	c.JSON(http.StatusOK, v)
}

// Start connects the account, answering with the pairing image while the
// user still has to scan it.
func (s *SessionService) Start(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	var req startSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	res := s.sessions.StartSession(c.Request.Context(), acc.ID, req.UserID)
	if !res.Success {
		fail(c, http.StatusBadGateway, ErrCodeSessionFailed, res.Error)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *SessionService) Stop(c *gin.Context) {
	acc, ok := s.account(c)
	if !ok {
		return
	}
	if _, err := s.sessions.StopSession(c.Request.Context(), acc.ID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *SessionService) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.Handles()})
}

func (s *SessionService) Restore(c *gin.Context) {
	report, err := s.sessions.RestoreAll(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

// account loads the :id account, writing a 404 when it does not exist.
func (s *SessionService) account(c *gin.Context) (*store.Account, bool) {
	return loadAccount(c, s.store)
}

func loadAccount(c *gin.Context, accounts store.AccountStore) (*store.Account, bool) {
	acc, err := accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "account not found")
		return nil, false
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return nil, false
	}
	return acc, true
}
