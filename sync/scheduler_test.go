package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTriggerer struct {
	requests []RunRequest
	err      error
}

func (f *fakeTriggerer) Trigger(req RunRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, req)
	return "run-1", nil
}

func TestSchedulerTick(t *testing.T) {
	triggerer := &fakeTriggerer{}
	s := NewScheduler(triggerer, time.Minute, false)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Tick(now)
	assert.Empty(t, triggerer.requests)
	assert.True(t, s.Status().LastTick.IsZero())

	s.Enable()
	s.Tick(now)
	assert.Equal(t, []RunRequest{{Kind: FullRun, Incremental: true, TriggerSource: "scheduler"}}, triggerer.requests)
	status := s.Status()
	assert.True(t, status.Enabled)
	assert.Equal(t, now, status.LastTick)
	assert.Equal(t, "run-1", status.LastRunID)

	triggerer.err = ErrSyncInProgress
	s.Tick(now.Add(time.Minute))
	assert.Equal(t, ErrSyncInProgress.Error(), s.Status().LastError)
	assert.Equal(t, "run-1", s.Status().LastRunID)

	s.Disable()
	triggerer.err = nil
	s.Tick(now.Add(2 * time.Minute))
	assert.Len(t, triggerer.requests, 1)
}

func TestSchedulerRunWithoutInterval(t *testing.T) {
	s := NewScheduler(&fakeTriggerer{}, 0, true)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler without interval should return immediately")
	}
}

func TestSchedulerRunTriggersOrchestrator(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orchestrator.Start(ctx)
	s := NewScheduler(f.orchestrator, 20*time.Millisecond, true)
	go s.Run(ctx)

	assert.Eventually(t, func() bool {
		run, exists := f.orchestrator.Status()
		return exists && run.TriggerSource == "scheduler" && run.Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	s.Disable()
	assert.Eventually(t, func() bool { return f.orchestrator.State() == StateIdle }, 5*time.Second, 10*time.Millisecond)
}
