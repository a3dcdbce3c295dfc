// Package ratelimit enforces run admission limits for the scheduler. It
// tracks both global and per-flowchart concurrency plus a sliding one-hour
// rate window, so a single noisy flowchart cannot starve the rest of the
// frontier and the cluster never exceeds its global fairness cap.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures run admission limits.
type Config struct {
	// MaxConcurrentGlobal is the global limit on simultaneous runs.
	MaxConcurrentGlobal int

	// MaxConcurrentPerFlowchart is the per-flowchart limit on simultaneous runs.
	MaxConcurrentPerFlowchart int

	// MaxRunsPerHourGlobal is the global limit on run starts per hour.
	MaxRunsPerHourGlobal int

	// MaxRunsPerHourPerFlowchart is the per-flowchart limit on run starts per hour.
	MaxRunsPerHourPerFlowchart int

	// BurstAllowance allows this many extra runs for API-triggered starts.
	BurstAllowance int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentGlobal:        20,
		MaxConcurrentPerFlowchart:  2,
		MaxRunsPerHourGlobal:       500,
		MaxRunsPerHourPerFlowchart: 60,
		BurstAllowance:             5,
	}
}

// Decision reports whether a run may start and why not.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks run concurrency and start rates.
type Limiter struct {
	config Config

	mu sync.Mutex

	concurrent map[string]int // flowchart id → running count
	totalConc  int

	history []startRecord
}

type startRecord struct {
	flowchartID string
	time        time.Time
}

// NewLimiter creates a run admission limiter.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		config:     cfg,
		concurrent: make(map[string]int),
	}
}

// Allow checks whether a new run of the given flowchart is permitted.
// burst marks interactive API triggers, which borrow the burst allowance.
func (l *Limiter) Allow(flowchartID string, burst bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneHistory(now)

	if l.concurrent[flowchartID] >= l.config.MaxConcurrentPerFlowchart {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-flowchart concurrency limit reached (%d/%d)", l.concurrent[flowchartID], l.config.MaxConcurrentPerFlowchart),
		}
	}

	maxConc := l.config.MaxConcurrentGlobal
	if burst {
		maxConc += l.config.BurstAllowance
	}
	if l.totalConc >= maxConc {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("global concurrency limit reached (%d/%d)", l.totalConc, maxConc),
		}
	}

	flowCount := l.countFlowchart(flowchartID, now)
	if flowCount >= l.config.MaxRunsPerHourPerFlowchart {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-flowchart rate limit reached (%d runs in last hour, max %d)", flowCount, l.config.MaxRunsPerHourPerFlowchart),
		}
	}

	totalCount := len(l.history)
	maxRate := l.config.MaxRunsPerHourGlobal
	if burst {
		maxRate += l.config.BurstAllowance * 10
	}
	if totalCount >= maxRate {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("global rate limit reached (%d runs in last hour, max %d)", totalCount, maxRate),
		}
	}

	return Decision{Allowed: true}
}

// RecordStart marks a run as started.
func (l *Limiter) RecordStart(flowchartID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent[flowchartID]++
	l.totalConc++
	l.history = append(l.history, startRecord{flowchartID: flowchartID, time: time.Now()})
}

// RecordComplete marks a run as finished.
func (l *Limiter) RecordComplete(flowchartID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent[flowchartID] > 0 {
		l.concurrent[flowchartID]--
	}
	if l.totalConc > 0 {
		l.totalConc--
	}
}

// Stats is a snapshot of limiter state for metrics and status endpoints.
type Stats struct {
	ConcurrentTotal       int
	ConcurrentByFlowchart map[string]int
	RunsLastHour          int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneHistory(time.Now())

	byFlowchart := make(map[string]int, len(l.concurrent))
	for k, v := range l.concurrent {
		byFlowchart[k] = v
	}

	return Stats{
		ConcurrentTotal:       l.totalConc,
		ConcurrentByFlowchart: byFlowchart,
		RunsLastHour:          len(l.history),
	}
}

// pruneHistory removes records older than 1 hour.
func (l *Limiter) pruneHistory(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

// countFlowchart counts starts of this flowchart in the window.
func (l *Limiter) countFlowchart(flowchartID string, now time.Time) int {
	count := 0
	cutoff := now.Add(-1 * time.Hour)
	for _, r := range l.history {
		if r.flowchartID == flowchartID && !r.time.Before(cutoff) {
			count++
		}
	}
	return count
}
