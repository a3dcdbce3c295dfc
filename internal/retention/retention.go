// Package retention sweeps aged data on cron schedules: expired and
// overflowing node artifacts, published outbox events, and old audit
// entries. The sweeper runs leader-only so a multi-replica deployment
// prunes exactly once.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/audit"
	"github.com/marcus-qen/llmctl/internal/store"
)

// Config holds the sweep schedules (standard cron specs) and retention
// windows. Zero values fall back to the defaults below.
type Config struct {
	ArtifactSchedule string
	OutboxSchedule   string
	AuditSchedule    string

	OutboxRetention time.Duration
	AuditRetention  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ArtifactSchedule == "" {
		c.ArtifactSchedule = "*/10 * * * *"
	}
	if c.OutboxSchedule == "" {
		c.OutboxSchedule = "*/30 * * * *"
	}
	if c.AuditSchedule == "" {
		c.AuditSchedule = "0 3 * * *"
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = 24 * time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 30 * 24 * time.Hour
	}
	return c
}

// Sweeper is a controller-runtime runnable that owns the cron entries.
type Sweeper struct {
	store  *store.Store
	audit  *audit.Store
	logger *zap.Logger
	cfg    Config
}

// New builds a sweeper. auditStore may be nil; the audit sweep is then
// skipped.
func New(st *store.Store, auditStore *audit.Store, logger *zap.Logger, cfg Config) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:  st,
		audit:  auditStore,
		logger: logger.Named("retention"),
		cfg:    cfg.withDefaults(),
	}
}

// Start registers the cron entries and blocks until the context ends.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(s.cfg.ArtifactSchedule, func() { s.sweepArtifacts(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(s.cfg.OutboxSchedule, func() { s.sweepOutbox(ctx) }); err != nil {
		return err
	}
	if s.audit != nil {
		if _, err := c.AddFunc(s.cfg.AuditSchedule, func() { s.sweepAudit(ctx) }); err != nil {
			return err
		}
	}

	s.logger.Info("retention sweeper started",
		zap.String("artifact_schedule", s.cfg.ArtifactSchedule),
		zap.String("outbox_schedule", s.cfg.OutboxSchedule),
		zap.String("audit_schedule", s.cfg.AuditSchedule),
	)

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

// NeedLeaderElection confines sweeping to the elected leader.
func (s *Sweeper) NeedLeaderElection() bool { return true }

func (s *Sweeper) sweepArtifacts(_ context.Context) {
	expired, err := s.store.PruneExpiredArtifacts(time.Now().UTC())
	if err != nil {
		s.logger.Warn("artifact ttl sweep failed", zap.Error(err))
	}
	overflow, err := s.store.PruneArtifactOverflow()
	if err != nil {
		s.logger.Warn("artifact overflow sweep failed", zap.Error(err))
	}
	if expired+overflow > 0 {
		s.logger.Info("pruned artifacts",
			zap.Int64("expired", expired),
			zap.Int64("overflow", overflow),
		)
	}
}

func (s *Sweeper) sweepOutbox(_ context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.OutboxRetention)
	n, err := s.store.PrunePublishedBefore(cutoff)
	if err != nil {
		s.logger.Warn("outbox sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("pruned published events", zap.Int64("count", n))
	}
}

func (s *Sweeper) sweepAudit(ctx context.Context) {
	n, err := s.audit.Purge(ctx, s.cfg.AuditRetention)
	if err != nil {
		s.logger.Warn("audit sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged audit entries", zap.Int64("count", n))
	}
}
