package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"maestro/internal/infra/config"
)

// Maintenance prunes aged quota windows and conversation history on a cron
// schedule. Quota windows are per-day records, so anything older than the
// retention horizon can never be read again.
type Maintenance struct {
	store  *SQLiteStore
	cfg    config.MaintenanceConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance creates the maintenance scheduler. It does nothing until
// Start is called.
func NewMaintenance(store *SQLiteStore, cfg config.MaintenanceConfig, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		store:  store,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the pruning job and starts the scheduler.
func (m *Maintenance) Start() error {
	if !m.cfg.Enabled {
		return nil
	}
	if _, err := m.cron.AddFunc(m.cfg.Schedule, m.runOnce); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("maintenance scheduled", "schedule", m.cfg.Schedule)
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintenance) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	now := time.Now().UTC()

	if m.cfg.QuotaRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -m.cfg.QuotaRetentionDays).Format("2006-01-02")
		n, err := m.store.PruneQuotaWindows(ctx, cutoff)
		if err != nil {
			m.logger.Error("quota window prune failed", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned quota windows", "deleted", n, "before", cutoff)
		}
	}

	if m.cfg.ConversationTTLDays > 0 {
		cutoff := now.AddDate(0, 0, -m.cfg.ConversationTTLDays)
		n, err := m.store.PruneConversations(ctx, cutoff)
		if err != nil {
			m.logger.Error("conversation prune failed", "error", err)
		} else if n > 0 {
			m.logger.Info("pruned conversations", "deleted", n)
		}
	}
}
