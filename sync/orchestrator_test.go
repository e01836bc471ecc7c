package sync

import (
	"context"
	"errors"
	"iter"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySource serves fixed records per entity type.
type memorySource struct {
	config  Config
	records map[EntityType][]string
	errs    map[EntityType]error
	lookups map[string]string
	block   chan struct{}
	fetched chan EntityType
	sinces  map[EntityType]time.Time
}

func (m *memorySource) Fetch(ctx context.Context, e EntityType, since time.Time) iter.Seq2[SourceRecord, error] {
	return func(yield func(SourceRecord, error) bool) {
		if m.sinces != nil {
			m.sinces[e] = since
		}
		if m.fetched != nil {
			m.fetched <- e
		}
		if m.block != nil {
			<-m.block
		}
		if err := m.errs[e]; err != nil {
			yield(SourceRecord{}, err)
			return
		}
		for _, json := range m.records[e] {
			if !yield(NewSourceRecord(e, m.config.Entities[e], NewSource(json)), nil) {
				return
			}
		}
	}
}

func (m *memorySource) Lookup(ctx context.Context, e EntityType, id string) (SourceRecord, bool, error) {
	json, exists := m.lookups[id]
	if !exists {
		return SourceRecord{}, false, nil
	}
	return NewSourceRecord(e, m.config.Entities[e], NewSource(json)), true, nil
}

type recordingNotifier struct {
	mu   gosync.Mutex
	runs []SyncRun
}

func (n *recordingNotifier) Notify(ctx context.Context, run SyncRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.runs)
}

// stalledNotifier holds the first notification until released.
type stalledNotifier struct {
	entered chan struct{}
	release chan struct{}
	stalled atomic.Bool
}

func (n *stalledNotifier) Notify(ctx context.Context, run SyncRun) error {
	if n.stalled.CompareAndSwap(false, true) {
		close(n.entered)
		<-n.release
	}
	return nil
}

func fixtureRecords() map[EntityType][]string {
	return map[EntityType][]string{
		Companies:   {`{"id":"c1","name":"Acme Title"}`},
		Individuals: {`{"id":"i1","first_name":"Ana","email":"ana@example.com"}`},
		Profiles:    {`{"id":"p1","name":"Ana at Acme","email":"ana@acme.com","company":{"id":"c1"},"individual":{"id":"i1"}}`},
		Orders: {`{
			"id":"o1","file_number":"F-1","sales_price":350000,
			"people":[{"contact_id":"p1","name":"Ana"}],
			"commissions":[{"rep_id":"r1","rep_name":"Sam","sequence":1}]
		}`},
	}
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	source       *memorySource
	writer       *DestinationWriter
	crm          *fakeCRM
	notifier     *recordingNotifier
	checkErr     error
}

func newOrchestratorFixture(t *testing.T, configure ...func(*Config)) orchestratorFixture {
	t.Helper()
	crm, server := newFakeCRM(t)
	config := testConfig(t)
	config.Destination.BaseURL = server.URL
	config.Destination.AccessToken = "crm-token"
	config.Sync.Retry = fastRetry
	for _, fn := range configure {
		fn(&config)
	}
	source := &memorySource{config: config, records: fixtureRecords(), errs: map[EntityType]error{}}
	writer := NewDestinationWriter(NewCRMClient(config.Destination), config, NewMemoryCache())
	notifier := &recordingNotifier{}
	o := NewOrchestrator(config, source, writer)
	o.Notifier = notifier
	o.Metrics = NewMetrics()
	return orchestratorFixture{orchestrator: o, source: source, writer: writer, crm: crm, notifier: notifier}
}

func TestRunFullSucceedsAndIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status, run.Stages)
	assert.Equal(t, StageOrder, run.Entities)
	for _, e := range StageOrder {
		assert.Equal(t, 1, run.Stages[e].Created, e)
	}
	assert.Equal(t, 3, run.Associations.Created)
	assert.Equal(t, 3, f.crm.edgeCount())
	assert.False(t, run.EndedAt.IsZero())
	assert.Equal(t, StateIdle, f.orchestrator.State())

	again, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, again.Status)
	for _, e := range StageOrder {
		assert.Equal(t, 0, again.Stages[e].Created, e)
		assert.Equal(t, 1, again.Stages[e].Updated, e)
	}
	assert.Equal(t, 3, f.crm.edgeCount())
	assert.Equal(t, 1, f.crm.objectCount("deals"))
	assert.NotEqual(t, run.ID, again.ID)

	assert.Equal(t, 2, f.notifier.count())
	last, exists := f.orchestrator.Status()
	require.True(t, exists)
	assert.Equal(t, again.ID, last.ID)

	recorder := httptest.NewRecorder()
	f.orchestrator.Metrics.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, recorder.Body.String(), `ledger2crm_runs_total{kind="full",status="success"} 2`)
}

func TestRunFullDerivesOrderFields(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	deal := f.crm.objects["deals"]["o1"]
	assert.Equal(t, "F-1", deal["dealname"])
	assert.Equal(t, "Sam", deal[PrimarySalesRepProperty])
	assert.Equal(t, string(StatusOpen), deal[DealStatusProperty])
}

func TestRunPartial(t *testing.T) {
	f := newOrchestratorFixture(t)

	run, err := f.orchestrator.RunPartial(context.Background(), Orders, Companies)
	require.NoError(t, err)
	assert.Equal(t, PartialRun, run.Kind)
	assert.Equal(t, []EntityType{Companies, Orders}, run.Entities)
	assert.NotContains(t, run.Stages, Profiles)
	assert.Equal(t, StatusSuccess, run.Status)
	// the deal's profile was not part of the run
	assert.Equal(t, 1, run.Associations.Skipped)
	assert.Len(t, run.Warnings, 1)
	assert.Equal(t, 0, f.crm.edgeCount())
}

func TestRunPartialRejectsUnknownEntities(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.orchestrator.RunPartial(context.Background(), "widgets")
	assert.ErrorIs(t, err, ErrUnknownEntity)
	_, err = f.orchestrator.RunPartial(context.Background())
	assert.ErrorIs(t, err, ErrUnknownEntity)
	assert.Equal(t, StateIdle, f.orchestrator.State())
	_, exists := f.orchestrator.Status()
	assert.False(t, exists)
}

func TestRunFullWithProfilesDisabled(t *testing.T) {
	f := newOrchestratorFixture(t, func(c *Config) { c.Sync.EnableProfiles = false })

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []EntityType{Companies, Individuals, Orders}, run.Entities)
	assert.Contains(t, run.Warnings, "profiles disabled, stage skipped")
	assert.Equal(t, 0, f.crm.objectCount("2-4242"))
	assert.Equal(t, StatusSuccess, run.Status)
}

func TestRunFullFetchFailureFailsRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.source.errs[Individuals] = errors.New("connection reset")

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, run.Stages[Companies].Created)
	assert.Contains(t, run.Stages[Individuals].Fatal, "connection reset")
	assert.Equal(t, StageResult{}, *run.Stages[Orders])
	assert.Equal(t, 0, f.crm.objectCount("deals"))
	assert.Equal(t, StateIdle, f.orchestrator.State())
}

func TestRunFullPartialFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.source.records[Companies] = []string{`{"id":"c1","name":"Acme"}`, `{"id":"bad-c2","name":"Broken"}`, `{"name":"no id"}`}

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, run.Status)
	assert.Equal(t, 1, run.Stages[Companies].Created)
	assert.Equal(t, 2, run.Stages[Companies].Failed)
	assert.Len(t, run.Stages[Companies].Errors, 2)
}

func TestRunFullDedupesRecords(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.source.records[Companies] = []string{`{"id":"c1","name":"Old"}`, `{"id":"c1","name":"New"}`}

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, run.Stages[Companies].Fetched)
	assert.Equal(t, 1, run.Stages[Companies].Created)
	assert.Equal(t, 1, run.Stages[Companies].Skipped)
	assert.Equal(t, 1, f.crm.objectCount("companies"))
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.source.block = make(chan struct{})
	f.source.fetched = make(chan EntityType, len(StageOrder))

	done := make(chan SyncRun)
	go func() {
		run, _ := f.orchestrator.RunFull(context.Background())
		done <- run
	}()
	<-f.source.fetched
	assert.Equal(t, StateRunning, f.orchestrator.State())

	_, err := f.orchestrator.RunFull(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = f.orchestrator.Trigger(RunRequest{Kind: FullRun, TriggerSource: "api"})
	assert.ErrorIs(t, err, ErrSyncInProgress)

	current, exists := f.orchestrator.Status()
	require.True(t, exists)
	assert.Equal(t, StatusRunning, current.Status)

	close(f.source.block)
	run := <-done
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, 1, f.notifier.count())
}

func TestTriggerRunsInBackground(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orchestrator.Start(ctx)

	id, err := f.orchestrator.Trigger(RunRequest{Kind: PartialRun, Entities: []EntityType{Companies}, TriggerSource: "api", TriggerID: "req-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		run, exists := f.orchestrator.Status()
		return exists && run.ID == id && run.Status != StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	run, _ := f.orchestrator.Status()
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, "req-1", run.TriggerID)
}

func TestRunKindsApplyLookbackWindow(t *testing.T) {
	f := newOrchestratorFixture(t, func(c *Config) { c.Sync.LookbackDays = 7 })
	now := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	f.orchestrator.now = func() time.Time { return now }
	watermark := now.AddDate(0, 0, -7)

	tests := []struct {
		name string
		run  func(ctx context.Context) (SyncRun, error)
		want time.Time
	}{
		{"full", f.orchestrator.RunFull, time.Time{}},
		{"incremental", f.orchestrator.RunIncremental, watermark},
		{"partial", func(ctx context.Context) (SyncRun, error) {
			return f.orchestrator.RunPartial(ctx, Companies, Orders)
		}, time.Time{}},
		{"incremental partial", func(ctx context.Context) (SyncRun, error) {
			return f.orchestrator.RunRequest(ctx, RunRequest{Kind: PartialRun, Entities: []EntityType{Companies}, Incremental: true})
		}, watermark},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.source.sinces = map[EntityType]time.Time{}
			run, err := tt.run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.Since)
			require.Len(t, f.source.sinces, len(run.Entities))
			for e, since := range f.source.sinces {
				assert.Equal(t, tt.want, since, e)
			}
		})
	}
}

func TestRunRecord(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.source.lookups = map[string]string{"c7": `{"id":"c7","name":"Single Co"}`}
	f.source.sinces = map[EntityType]time.Time{}

	run, err := f.orchestrator.RunRecord(context.Background(), Companies, "c7")
	require.NoError(t, err)
	assert.Equal(t, RecordRun, run.Kind)
	assert.Equal(t, "c7", run.RecordID)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, 1, run.Stages[Companies].Created)
	assert.Equal(t, "Single Co", f.crm.objects["companies"]["c7"]["name"])
	assert.Empty(t, f.source.sinces, "record runs do not page")

	missing, err := f.orchestrator.RunRecord(context.Background(), Companies, "c404")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, missing.Status)
	assert.Contains(t, missing.Stages[Companies].Fatal, "c404 not found")

	_, err = f.orchestrator.RunRequest(context.Background(), RunRequest{Kind: RecordRun, Entities: []EntityType{Companies}})
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestRunReturnsToIdleBeforeNotifying(t *testing.T) {
	f := newOrchestratorFixture(t)
	notifier := &stalledNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	f.orchestrator.Notifier = notifier

	done := make(chan SyncRun)
	go func() {
		run, _ := f.orchestrator.RunPartial(context.Background(), Companies)
		done <- run
	}()
	<-notifier.entered

	assert.Equal(t, StateIdle, f.orchestrator.State())
	last, exists := f.orchestrator.Status()
	require.True(t, exists)
	assert.Equal(t, StatusSuccess, last.Status)

	next, err := f.orchestrator.RunPartial(context.Background(), Companies)
	require.NoError(t, err, "a run being published does not hold the run lock")
	assert.Equal(t, StatusSuccess, next.Status)

	close(notifier.release)
	first := <-done
	assert.NotEqual(t, first.ID, next.ID)
}

func TestRunAuthenticationFailureFailsRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.crm.rejectUpsertAuth = true

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, run.Stages[Companies].Failed)
	assert.Contains(t, run.Stages[Companies].Fatal, ErrAuthentication.Error())
	assert.Equal(t, StageResult{}, *run.Stages[Individuals], "later stages do not run")
	assert.Equal(t, StageResult{}, run.Associations)
}

func TestRunFailedAssociationsFailRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.crm.rejectAssociations = true

	run, err := f.orchestrator.RunFull(context.Background())
	require.NoError(t, err)
	for _, e := range StageOrder {
		assert.Equal(t, 1, run.Stages[e].Created, e)
	}
	assert.Equal(t, 3, run.Associations.Failed)
	assert.Equal(t, 0, run.Associations.Created)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 0, f.crm.edgeCount())
}
