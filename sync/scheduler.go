package sync

import (
	"context"
	"errors"
	"log"
	gosync "sync"
	"time"
)

// Triggerer starts a background run.
type Triggerer interface {
	Trigger(req RunRequest) (string, error)
}

// Scheduler triggers an incremental full run on a fixed interval while enabled.
type Scheduler struct {
	Orchestrator Triggerer
	Interval     time.Duration

	mu      gosync.Mutex
	enabled bool
	lastRun time.Time
	lastID  string
	lastErr string
}

type SchedulerStatus struct {
	Enabled   bool          `json:"enabled"`
	Interval  time.Duration `json:"intervalNs"`
	LastTick  time.Time     `json:"lastTick,omitzero"`
	LastRunID string        `json:"lastRunId,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

func NewScheduler(orchestrator Triggerer, interval time.Duration, enabled bool) *Scheduler {
	return &Scheduler{Orchestrator: orchestrator, Interval: interval, enabled: enabled}
}

func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Enabled:   s.enabled,
		Interval:  s.Interval,
		LastTick:  s.lastRun,
		LastRunID: s.lastID,
		LastError: s.lastErr,
	}
}

// Tick triggers a run if the scheduler is enabled. A run already in
// progress is not an error, the tick is simply skipped.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	s.lastRun = now
	id, err := s.Orchestrator.Trigger(RunRequest{Kind: FullRun, Incremental: true, TriggerSource: "scheduler"})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		log.Printf("Scheduled sync skipped: %v", err)
		s.lastErr = err.Error()
	case err != nil:
		log.Printf("Warning: scheduled sync: %v", err)
		s.lastErr = err.Error()
	default:
		s.lastID = id
		s.lastErr = ""
	}
}

// Run ticks until ctx is done. A non positive interval disables scheduling.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
