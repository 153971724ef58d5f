package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/store"
)

const lastFullPrefix = "sync.last_full:"

// Reconciler manages sync checkpoints.
type Reconciler struct {
	store  store.CheckpointStore
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(s store.CheckpointStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: s, logger: logger}
}

// RecordFullSync stores the completion time of a full pass for accountID.
func (r *Reconciler) RecordFullSync(ctx context.Context, accountID string, at time.Time) error {
	return r.store.SetCheckpoint(ctx, lastFullPrefix+accountID, strconv.FormatInt(at.UnixMilli(), 10))
}

// LastFullSync returns when accountID last completed a full pass. The zero
// time means never.
func (r *Reconciler) LastFullSync(ctx context.Context, accountID string) (time.Time, error) {
	v, err := r.store.Checkpoint(ctx, lastFullPrefix+accountID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse checkpoint %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}
