package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"slices"
	gosync "sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle            State = "idle"
	StateRunning         State = "running"
	StateSucceeded       State = "succeeded"
	StatePartiallyFailed State = "partially failed"
	StateFailed          State = "failed"
)

func terminalState(status RunStatus) State {
	switch status {
	case StatusSuccess:
		return StateSucceeded
	case StatusPartialFailure:
		return StatePartiallyFailed
	}
	return StateFailed
}

// notifyTimeout bounds the notifier call made after every run.
const notifyTimeout = 10 * time.Second

// RecordSource is what the orchestrator needs from the source side.
type RecordSource interface {
	Fetch(ctx context.Context, e EntityType, since time.Time) iter.Seq2[SourceRecord, error]
	Lookup(ctx context.Context, e EntityType, id string) (SourceRecord, bool, error)
}

// RecordDestination is what the orchestrator needs from the destination side.
type RecordDestination interface {
	EnsureSchema(ctx context.Context, e EntityType, defs []PropertyDefinition) error
	BatchUpsert(ctx context.Context, e EntityType, payloads []UpsertPayload) []UpsertOutcome
	BatchAssociate(ctx context.Context, edges []AssociationEdge) []AssociationOutcome
}

// Orchestrator runs syncs one at a time. The run lock, the current run and
// the last completed run are guarded by mu.
type Orchestrator struct {
	Config      Config
	Source      RecordSource
	Destination RecordDestination
	Mapper      RecordMapper
	Notifier    RunNotifier
	Metrics     *Metrics

	now  func() time.Time
	jobs chan *SyncRun

	mu      gosync.Mutex
	state   State
	current *SyncRun
	last    *SyncRun
}

func NewOrchestrator(config Config, source RecordSource, destination RecordDestination) *Orchestrator {
	return &Orchestrator{
		Config:      config,
		Source:      source,
		Destination: destination,
		Mapper:      RecordMapper{Config: config},
		now:         time.Now,
		jobs:        make(chan *SyncRun, 1),
		state:       StateIdle,
	}
}

// Start consumes triggered runs until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-o.jobs:
			o.execute(ctx, run)
		}
	}
}

// Trigger begins a run in the background worker and returns its id.
func (o *Orchestrator) Trigger(req RunRequest) (string, error) {
	run, err := o.begin(req)
	if err != nil {
		return "", err
	}
	// begin admits a single run so the buffered send never blocks
	o.jobs <- run
	return run.ID, nil
}

// RunFull syncs every record of every enabled entity type, ignoring the
// lookback window, and blocks until the run ends.
func (o *Orchestrator) RunFull(ctx context.Context) (SyncRun, error) {
	return o.RunRequest(ctx, RunRequest{Kind: FullRun, TriggerSource: "cli"})
}

// RunIncremental syncs every enabled entity type, fetching only records
// modified within the lookback window.
func (o *Orchestrator) RunIncremental(ctx context.Context) (SyncRun, error) {
	return o.RunRequest(ctx, RunRequest{Kind: FullRun, Incremental: true, TriggerSource: "cli"})
}

// RunPartial syncs the given entity types, in stage order, and blocks until the run ends.
func (o *Orchestrator) RunPartial(ctx context.Context, entities ...EntityType) (SyncRun, error) {
	return o.RunRequest(ctx, RunRequest{Kind: PartialRun, Entities: entities, TriggerSource: "cli"})
}

// RunRecord syncs a single source record and its associations.
func (o *Orchestrator) RunRecord(ctx context.Context, e EntityType, id string) (SyncRun, error) {
	return o.RunRequest(ctx, RunRequest{Kind: RecordRun, Entities: []EntityType{e}, RecordID: id, TriggerSource: "cli"})
}

// RunRequest runs req synchronously.
func (o *Orchestrator) RunRequest(ctx context.Context, req RunRequest) (SyncRun, error) {
	run, err := o.begin(req)
	if err != nil {
		return SyncRun{}, err
	}
	return o.execute(ctx, run), nil
}

// Status returns the running run, else the last completed one.
func (o *Orchestrator) Status() (SyncRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return o.current.Copy(), true
	}
	if o.last != nil {
		return o.last.Copy(), true
	}
	return SyncRun{}, false
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// stageEntities resolves the entity types of a request in stage order.
func (o *Orchestrator) stageEntities(req RunRequest) ([]EntityType, []string, error) {
	var requested []EntityType
	switch req.Kind {
	case FullRun, "":
		requested = StageOrder
	case PartialRun:
		if len(req.Entities) == 0 {
			return nil, nil, fmt.Errorf("%w: partial run without entity types", ErrUnknownEntity)
		}
		for _, e := range req.Entities {
			if !slices.Contains(StageOrder, e) {
				return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEntity, e)
			}
		}
		requested = req.Entities
	case RecordRun:
		if len(req.Entities) != 1 || req.RecordID == "" {
			return nil, nil, fmt.Errorf("%w: record run needs one entity type and a record id", ErrUnknownEntity)
		}
		if !slices.Contains(StageOrder, req.Entities[0]) {
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEntity, req.Entities[0])
		}
		requested = req.Entities
	default:
		return nil, nil, fmt.Errorf("unknown run kind %q", req.Kind)
	}
	var result []EntityType
	var warnings []string
	for _, e := range StageOrder {
		if !slices.Contains(requested, e) {
			continue
		}
		if e == Profiles && !o.Config.Sync.EnableProfiles {
			warnings = append(warnings, "profiles disabled, stage skipped")
			continue
		}
		result = append(result, e)
	}
	return result, warnings, nil
}

// begin moves the machine from idle to running.
func (o *Orchestrator) begin(req RunRequest) (*SyncRun, error) {
	entities, warnings, err := o.stageEntities(req)
	if err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = FullRun
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return nil, ErrSyncInProgress
	}
	started := o.now()
	run := &SyncRun{
		ID:            uuid.NewString(),
		Kind:          kind,
		TriggerSource: req.TriggerSource,
		TriggerID:     req.TriggerID,
		Entities:      entities,
		RecordID:      req.RecordID,
		Stages:        make(map[EntityType]*StageResult, len(entities)),
		Warnings:      warnings,
		StartedAt:     started,
		Status:        StatusRunning,
	}
	if req.Incremental {
		run.Since = o.Config.Since(started)
	}
	for _, e := range entities {
		run.Stages[e] = &StageResult{}
	}
	o.state = StateRunning
	o.current = run
	if o.Metrics != nil {
		o.Metrics.Running.Set(1)
	}
	return run, nil
}

func (o *Orchestrator) update(fn func(run *SyncRun)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o.current)
}

// runScope is the per run working set.
type runScope struct {
	ctx      context.Context
	since    time.Time
	recordID string
	records  map[EntityType][]SourceRecord
	ids      DestinationIDs
	profiles map[string]Source
	lookups  map[string]*Source
}

func (o *Orchestrator) execute(ctx context.Context, run *SyncRun) SyncRun {
	scope := &runScope{
		ctx:      ctx,
		since:    run.Since,
		recordID: run.RecordID,
		records:  map[EntityType][]SourceRecord{},
		ids:      DestinationIDs{},
		profiles: map[string]Source{},
		lookups:  map[string]*Source{},
	}
	log.Printf("Sync %s started: %s %v", run.ID, run.Kind, run.Entities)
	fatal := false
	for _, e := range run.Entities {
		started := o.now()
		result, err := o.runStage(scope, e)
		if err != nil {
			result.Fatal = err.Error()
			log.Printf("Sync %s stage %s failed: %v", run.ID, e, err)
		}
		o.update(func(run *SyncRun) { *run.Stages[e] = result })
		o.observeStage(string(e), started)
		if err != nil && isFatalStageError(err) {
			fatal = true
			break
		}
	}
	if !fatal {
		started := o.now()
		result, warnings := o.runAssociations(scope)
		o.update(func(run *SyncRun) {
			run.Associations = result
			run.Warnings = append(run.Warnings, warnings...)
		})
		o.observeStage("associations", started)
	}
	return o.finish()
}

// isFatalStageError reports errors that end the run rather than just the stage.
func isFatalStageError(err error) bool {
	return !errors.Is(err, ErrValidation)
}

func (o *Orchestrator) observeStage(stage string, started time.Time) {
	if o.Metrics != nil {
		o.Metrics.StageDuration.WithLabelValues(stage).Observe(o.now().Sub(started).Seconds())
	}
}

// finish records the terminal run and returns the machine to idle in one
// step, so the next trigger is accepted while the run is still being published.
func (o *Orchestrator) finish() SyncRun {
	o.mu.Lock()
	run := o.current
	run.EndedAt = o.now()
	run.Status = run.terminalStatus()
	o.last = run
	o.current = nil
	o.state = StateIdle
	if o.Metrics != nil {
		o.Metrics.Running.Set(0)
	}
	snapshot := run.Copy()
	o.mu.Unlock()

	log.Printf("Sync %s %s in %s", snapshot.ID, terminalState(snapshot.Status), snapshot.Duration())
	o.Metrics.ObserveRun(snapshot)
	if o.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := o.Notifier.Notify(ctx, snapshot); err != nil {
			log.Printf("Warning: notify sync %s: %v", snapshot.ID, err)
		}
		cancel()
	}
	return snapshot
}

// runStage fetches, maps, dedupes and upserts one entity type.
func (o *Orchestrator) runStage(scope *runScope, e EntityType) (StageResult, error) {
	var result StageResult
	maxErrors := o.Config.MaxErrors()

	records, err := o.fetch(scope, e)
	result.Fetched = len(records)
	if err != nil {
		return result, fmt.Errorf("fetch %s: %w", e, err)
	}
	scope.records[e] = records
	if e == Profiles {
		for _, r := range records {
			scope.profiles[r.ID()] = r.Source
		}
	}
	if len(records) == 0 {
		return result, nil
	}

	if err := o.Destination.EnsureSchema(scope.ctx, e, o.Mapper.PropertyDefinitions(e)); err != nil {
		return result, fmt.Errorf("ensure %s schema: %w", e, err)
	}

	payloads := make([]UpsertPayload, 0, len(records))
	for _, record := range records {
		var derived *DerivedFields
		if e == Orders {
			d := DeriveOrderFields(record.Source, scope.contactLookup(o.Source))
			derived = &d
		}
		payload, err := o.Mapper.MapToUpsert(record, derived)
		if err != nil {
			result.Failed++
			result.addError(maxErrors, err.Error())
			continue
		}
		payloads = append(payloads, payload)
	}
	deduped := Dedupe(payloads)
	result.Skipped = len(payloads) - len(deduped)

	for _, outcome := range o.Destination.BatchUpsert(scope.ctx, e, deduped) {
		switch outcome.Outcome {
		case OutcomeCreated:
			result.Created++
		case OutcomeUpdated:
			result.Updated++
		default:
			result.Failed++
			result.addError(maxErrors, fmt.Sprintf("%s %s: %v", e, outcome.ID, outcome.Err))
			if errors.Is(outcome.Err, ErrAuthentication) {
				return result, fmt.Errorf("upsert %s: %w", e, outcome.Err)
			}
			continue
		}
		scope.ids.Set(e, outcome.ID, outcome.DestinationID)
	}
	return result, nil
}

// fetch reads the records of a stage, or the single record of a record run.
func (o *Orchestrator) fetch(scope *runScope, e EntityType) ([]SourceRecord, error) {
	if scope.recordID == "" {
		return CollectRecords(o.Source.Fetch(scope.ctx, e, scope.since))
	}
	record, found, err := o.Source.Lookup(scope.ctx, e, scope.recordID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s %s not found", ErrValidation, e, scope.recordID)
	}
	return []SourceRecord{record}, nil
}

// contactLookup resolves people of an order to profiles of this run, falling
// back to a memoised source lookup.
func (s *runScope) contactLookup(source RecordSource) ContactLookup {
	return func(id string) (Source, bool) {
		if contact, exists := s.profiles[id]; exists {
			return contact, true
		}
		if contact, seen := s.lookups[id]; seen {
			if contact == nil {
				return Source{}, false
			}
			return *contact, true
		}
		record, found, err := source.Lookup(s.ctx, Profiles, id)
		if err != nil {
			log.Printf("Warning: lookup contact %s: %v", id, err)
		}
		if err != nil || !found {
			s.lookups[id] = nil
			return Source{}, false
		}
		s.lookups[id] = &record.Source
		return record.Source, true
	}
}

func (o *Orchestrator) runAssociations(scope *runScope) (StageResult, []string) {
	var result StageResult
	maxErrors := o.Config.MaxErrors()
	edges, unresolved := BuildAssociations(o.Config, scope.records, scope.ids)
	result.Fetched = len(edges)
	result.Skipped = len(unresolved)

	var warnings []string
	for _, u := range unresolved {
		if len(warnings) < maxErrors {
			warnings = append(warnings, u.Error())
		}
	}
	if len(unresolved) > 0 {
		log.Printf("Warning: %d association endpoints unresolved", len(unresolved))
	}
	if len(edges) == 0 {
		return result, warnings
	}
	for _, outcome := range o.Destination.BatchAssociate(scope.ctx, edges) {
		if outcome.Err != nil {
			result.Failed++
			result.addError(maxErrors, fmt.Sprintf("%s %s -> %s: %v", outcome.Edge.Relation, outcome.Edge.FromID, outcome.Edge.ToID, outcome.Err))
			continue
		}
		result.Created++
	}
	return result, warnings
}
