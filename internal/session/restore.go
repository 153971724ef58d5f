package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/wpphub/internal/store"
)

// RestoreReport summarizes a RestoreAll pass.
type RestoreReport struct {
	Attempted int               `json:"attempted"`
	Restored  int               `json:"restored"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RestoreAll starts a session for every account persisted as CONNECTED,
// relying on the on-disk credentials to authenticate without pairing. One
// account failing never stops the others.
func (m *Manager) RestoreAll(ctx context.Context) (RestoreReport, error) {
	accounts, err := m.accounts.ListAccounts(ctx, store.AccountConnected)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("list connected accounts: %w", err)
	}

	report := RestoreReport{Attempted: len(accounts), Failed: make(map[string]string)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(m.cfg.RestoreConcurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			res := m.StartSession(ctx, acc.ID, acc.UserID)
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				report.Restored++
			} else {
				report.Failed[acc.ID] = res.Error
				m.logger.Warn("restore failed", zap.String("account_id", acc.ID), zap.String("error", res.Error))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("sessions restored",
		zap.Int("attempted", report.Attempted),
		zap.Int("restored", report.Restored),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}
