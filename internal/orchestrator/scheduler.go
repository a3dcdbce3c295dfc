package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/llmctl/internal/shared/ratelimit"
	"github.com/marcus-qen/llmctl/internal/store"
)

// SchedulerConfig bounds run admission.
type SchedulerConfig struct {
	// TickInterval is the claim-loop period. Each tick is jittered so
	// replicas waking from leader election do not thunder.
	TickInterval time.Duration
	// MaxConcurrentRuns caps runs owned by this instance.
	MaxConcurrentRuns int
	// ClaimBatch bounds how many queued runs one tick examines.
	ClaimBatch int
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:      2 * time.Second,
		MaxConcurrentRuns: 20,
		ClaimBatch:        16,
	}
}

// Scheduler claims queued runs under the admission limiter and hands each
// to the orchestrator on its own goroutine. It also re-adopts runs left
// in running/stopping by a crashed replica. Leader-only.
type Scheduler struct {
	store   *store.Store
	orch    *Orchestrator
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	cfg     SchedulerConfig
}

// NewScheduler builds the run admission loop.
func NewScheduler(st *store.Store, orch *Orchestrator, limiter *ratelimit.Limiter, logger *zap.Logger, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = def.ClaimBatch
	}
	return &Scheduler{store: st, orch: orch, limiter: limiter, logger: logger, cfg: cfg}
}

// Start runs the tick loop until the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("run scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jittered(s.cfg.TickInterval)):
			s.tick(ctx)
		}
	}
}

// NeedLeaderElection keeps run advancement on the elected leader only.
func (s *Scheduler) NeedLeaderElection() bool { return true }

func (s *Scheduler) tick(ctx context.Context) {
	// Orphans first: runs a previous leader left mid-flight resume
	// without consuming admission budget.
	for _, status := range []store.RunStatus{store.RunRunning, store.RunStopping} {
		orphans, err := s.store.ListRunsByStatus(status, s.cfg.ClaimBatch)
		if err != nil {
			s.logger.Error("list runs", zap.String("status", string(status)), zap.Error(err))
			continue
		}
		for _, run := range orphans {
			if s.orch.tracker.get(run.ID) != nil {
				continue
			}
			s.launch(ctx, run, false)
		}
	}

	queued, err := s.store.ListRunsByStatus(store.RunQueued, s.cfg.ClaimBatch)
	if err != nil {
		s.logger.Error("list queued runs", zap.Error(err))
		return
	}
	for _, run := range queued {
		if s.orch.tracker.active() >= s.cfg.MaxConcurrentRuns {
			return
		}
		burst := run.TriggerKind == "api"
		decision := s.limiter.Allow(run.FlowchartID, burst)
		if !decision.Allowed {
			s.logger.Debug("run admission deferred",
				zap.String("run_id", run.ID),
				zap.String("reason", decision.Reason))
			continue
		}
		s.launch(ctx, run, true)
	}
}

// launch executes one run on its own goroutine. admitted marks runs that
// consumed limiter budget.
func (s *Scheduler) launch(ctx context.Context, run store.FlowchartRun, admitted bool) {
	if admitted {
		s.limiter.RecordStart(run.FlowchartID)
	}
	runID, flowchartID := run.ID, run.FlowchartID
	go func() {
		if admitted {
			defer s.limiter.RecordComplete(flowchartID)
		}
		if err := s.orch.Execute(ctx, runID); err != nil && err != ErrRunClaimed {
			s.logger.Error("run execution error", zap.String("run_id", runID), zap.Error(err))
		}
	}()
}

func jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}
