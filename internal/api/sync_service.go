package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	intsync "github.com/matheus3301/wpphub/internal/sync"
)

// SyncService triggers bulk conversation syncs.
type SyncService struct {
	store  Store
	syncer Syncer
}

func NewSyncService(s Store, syncer Syncer) *SyncService {
	return &SyncService{store: s, syncer: syncer}
}

func (s *SyncService) SyncAll(c *gin.Context) {
	acc, ok := loadAccount(c, s.store)
	if !ok {
		return
	}

	res := s.syncer.SyncAll(c.Request.Context(), acc.ID)
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Error == intsync.ErrSessionNotReady.Error():
		fail(c, http.StatusConflict, ErrCodeSessionNotReady, res.Error)
	case res.Error == intsync.ErrInProgress.Error():
		fail(c, http.StatusConflict, ErrCodeSyncInProgress, res.Error)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, res.Error)
	}
}
