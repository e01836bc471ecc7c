package sync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// ConnectionChecker verifies the credentials of an external API.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) error
}

// AssociationCacheClearer drops cached association type ids.
type AssociationCacheClearer interface {
	ClearAssociationCache() error
}

// Server is the HTTP trigger surface of the orchestrator.
type Server struct {
	Orchestrator *Orchestrator
	Scheduler    *Scheduler
	Metrics      *Metrics
	Checks       map[string]ConnectionChecker
	Cache        AssociationCacheClearer
	APIKey       string
}

// Handler routes the API. Every /api/ route requires the API key when one is set.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/sync", s.handleTrigger)
	api.HandleFunc("POST /api/sync/backfill", s.handleBackfill)
	api.HandleFunc("POST /api/sync/blocking", s.handleBlocking)
	api.HandleFunc("POST /api/sync/partial", s.handlePartial)
	api.HandleFunc("POST /api/sync/{entity}/{id}", s.handleRecord)
	api.HandleFunc("GET /api/status", s.handleStatus)
	api.HandleFunc("GET /api/test-config", s.handleTestConfig)
	api.HandleFunc("POST /api/admin/clear-cache", s.handleClearCache)
	api.HandleFunc("POST /api/scheduler/enable", s.handleSchedulerToggle(true))
	api.HandleFunc("POST /api/scheduler/disable", s.handleSchedulerToggle(false))
	api.HandleFunc("GET /api/scheduler/status", s.handleSchedulerStatus)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requireAPIKey(api))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(s.Orchestrator.State())})
	})
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	return mux
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(APIKeyHeader)), []byte(s.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func triggerStatus(err error) int {
	switch {
	case errors.Is(err, ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownEntity):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, req RunRequest) {
	req.TriggerSource = "api"
	req.TriggerID = r.Header.Get("X-Request-Id")
	id, err := s.Orchestrator.Trigger(req)
	if err != nil {
		writeError(w, triggerStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": id, "status": "accepted"})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, RunRequest{Kind: FullRun, Incremental: true})
}

// handleBackfill syncs every record regardless of the lookback window.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, RunRequest{Kind: FullRun})
}

func (s *Server) handlePartial(w http.ResponseWriter, r *http.Request) {
	entities, err := ParseEntityTypes(r.URL.Query().Get("entities"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.trigger(w, r, RunRequest{Kind: PartialRun, Entities: entities, Incremental: true})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	entities, err := ParseEntityTypes(r.PathValue("entity"))
	if err != nil || len(entities) != 1 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", r.PathValue("entity")))
		return
	}
	s.trigger(w, r, RunRequest{Kind: RecordRun, Entities: entities, RecordID: r.PathValue("id")})
}

func (s *Server) handleBlocking(w http.ResponseWriter, r *http.Request) {
	// the run outlives a caller that hangs up
	ctx := context.WithoutCancel(r.Context())
	run, err := s.Orchestrator.RunRequest(ctx, RunRequest{Kind: FullRun, Incremental: true, TriggerSource: "api"})
	if err != nil {
		writeError(w, triggerStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type statusResponse struct {
	State State    `json:"state"`
	Run   *SyncRun `json:"run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := statusResponse{State: s.Orchestrator.State()}
	if run, exists := s.Orchestrator.Status(); exists {
		response.Run = &run
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSchedulerToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Scheduler == nil {
			writeError(w, http.StatusNotFound, "scheduler not configured")
			return
		}
		if enable {
			s.Scheduler.Enable()
		} else {
			s.Scheduler.Disable()
		}
		writeJSON(w, http.StatusOK, s.Scheduler.Status())
	}
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeError(w, http.StatusNotFound, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.Scheduler.Status())
}

// handleTestConfig runs every connection check, answering 503 when any fails.
func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	if len(s.Checks) == 0 {
		writeError(w, http.StatusNotFound, "no connection checks configured")
		return
	}
	names := make([]string, 0, len(s.Checks))
	for name := range s.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	status := http.StatusOK
	result := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.Checks[name].CheckConnection(r.Context()); err != nil {
			log.Printf("Warning: %s connection check: %v", name, err)
			result[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.Cache == nil {
		writeError(w, http.StatusNotFound, "association cache not configured")
		return
	}
	if err := s.Cache.ClearAssociationCache(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("Association cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
