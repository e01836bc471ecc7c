package sync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records run and record outcomes.
type Metrics struct {
	reg           *prometheus.Registry
	Runs          *prometheus.CounterVec
	Records       *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Unresolved    prometheus.Counter
	Running       prometheus.Gauge
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger2crm_runs_total",
		Help: "Completed sync runs by kind and terminal status.",
	}, []string{"kind", "status"})
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger2crm_records_total",
		Help: "Record outcomes by entity type.",
	}, []string{"entity", "outcome"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger2crm_stage_duration_seconds",
		Help:    "Duration of each sync stage, associations included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	unresolved := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger2crm_unresolved_associations_total",
		Help: "Association edges skipped because an endpoint was not synced in the run.",
	})
	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger2crm_run_in_progress",
		Help: "1 while a sync run is in progress.",
	})

	r.MustRegister(runs, records, stageDuration, unresolved, running)
	return &Metrics{
		reg:           r,
		Runs:          runs,
		Records:       records,
		StageDuration: stageDuration,
		Unresolved:    unresolved,
		Running:       running,
	}
}

// ObserveRun adds a finished run to the counters.
func (m *Metrics) ObserveRun(run SyncRun) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	for e, s := range run.Stages {
		m.Records.WithLabelValues(string(e), "created").Add(float64(s.Created))
		m.Records.WithLabelValues(string(e), "updated").Add(float64(s.Updated))
		m.Records.WithLabelValues(string(e), "failed").Add(float64(s.Failed))
		m.Records.WithLabelValues(string(e), "skipped").Add(float64(s.Skipped))
	}
	m.Records.WithLabelValues("associations", "created").Add(float64(run.Associations.Created))
	m.Records.WithLabelValues("associations", "failed").Add(float64(run.Associations.Failed))
	m.Unresolved.Add(float64(run.Associations.Skipped))
}

func (m *Metrics) Handler() http.Handler { return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}) }
