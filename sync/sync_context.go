package sync

import (
	"slices"
	"time"
)

type RunKind string

const (
	FullRun    RunKind = "full"
	PartialRun RunKind = "partial"
	RecordRun  RunKind = "record"
)

// RunStatus is the terminal status of a run, "running" until then.
type RunStatus string

const (
	StatusRunning        RunStatus = "running"
	StatusSuccess        RunStatus = "success"
	StatusPartialFailure RunStatus = "partial failure"
	StatusFailed         RunStatus = "failed"
)

// RunRequest holds what to sync and the trigger metadata.
// It is immutable once handed to the orchestrator.
// Incremental runs only fetch records modified within the lookback window,
// every other run fetches everything.
type RunRequest struct {
	Kind        RunKind
	Entities    []EntityType
	RecordID    string // RecordRun only
	Incremental bool

	TriggerSource string // api, scheduler, cli
	TriggerID     string
}

// StageResult counts the record outcomes of one stage.
type StageResult struct {
	Fetched int      `json:"fetched"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
	// Fatal is set when the stage could not run at all.
	Fatal string `json:"fatal,omitempty"`
}

func (s *StageResult) addError(limit int, msg string) {
	if len(s.Errors) < limit {
		s.Errors = append(s.Errors, msg)
	}
}

// failedCompletely reports a stage that wrote nothing although it had work.
func (s StageResult) failedCompletely() bool {
	if s.Fatal != "" {
		return true
	}
	return s.Failed > 0 && s.Created+s.Updated == 0
}

func (s StageResult) copy() StageResult {
	s.Errors = slices.Clone(s.Errors)
	return s
}

// SyncRun is the state of one sync run.
type SyncRun struct {
	ID            string                      `json:"id"`
	Kind          RunKind                     `json:"kind"`
	TriggerSource string                      `json:"triggerSource,omitempty"`
	TriggerID     string                      `json:"triggerId,omitempty"`
	Entities      []EntityType                `json:"entities"`
	RecordID      string                      `json:"recordId,omitempty"`
	Since         time.Time                   `json:"since,omitzero"`
	Stages        map[EntityType]*StageResult `json:"stages"`
	Associations  StageResult                 `json:"associations"`
	Warnings      []string                    `json:"warnings,omitempty"`
	StartedAt     time.Time                   `json:"startedAt"`
	EndedAt       time.Time                   `json:"endedAt,omitzero"`
	Status        RunStatus                   `json:"status"`
}

// Copy returns a deep copy safe to hand out while the run progresses.
func (r SyncRun) Copy() SyncRun {
	r.Entities = slices.Clone(r.Entities)
	r.Warnings = slices.Clone(r.Warnings)
	stages := make(map[EntityType]*StageResult, len(r.Stages))
	for e, s := range r.Stages {
		c := s.copy()
		stages[e] = &c
	}
	r.Stages = stages
	r.Associations = r.Associations.copy()
	return r
}

// Duration is zero until the run ends.
func (r SyncRun) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// terminalStatus applies the run outcome rules: any completely failed stage
// fails the run, any failed record or edge makes it a partial failure.
func (r SyncRun) terminalStatus() RunStatus {
	partial := false
	for _, e := range r.Entities {
		s, exists := r.Stages[e]
		if !exists {
			continue
		}
		if s.failedCompletely() {
			return StatusFailed
		}
		if s.Failed > 0 {
			partial = true
		}
	}
	if r.Associations.failedCompletely() {
		return StatusFailed
	}
	if partial || r.Associations.Failed > 0 {
		return StatusPartialFailure
	}
	return StatusSuccess
}
