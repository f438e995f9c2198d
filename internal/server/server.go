// Package server exposes the canon node's pipeline, action-run lifecycle,
// replay driver, and kill switch over HTTP using the standard library's
// ServeMux rather than pulling in a router dependency.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical-node/canon/internal/actionrun"
	"github.com/canonical-node/canon/internal/canon"
	"github.com/canonical-node/canon/internal/canonerr"
	"github.com/canonical-node/canon/internal/config"
	"github.com/canonical-node/canon/internal/eventstream"
	"github.com/canonical-node/canon/internal/killswitch"
	"github.com/canonical-node/canon/internal/pipeline"
	"github.com/canonical-node/canon/internal/replay"
)

// Server is the ingest + management HTTP surface for one canon node
// process.
type Server struct {
	cfg        config.ServerConfig
	store      canon.Store
	pipeline   *pipeline.Pipeline
	actionRuns *actionrun.Service
	replay     *replay.Driver
	killSwitch *killswitch.KillSwitch
	cfgLoader  *config.Loader
	events     *eventstream.Hub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Server and registers all routes. killSwitch and events may
// be nil; a nil events hub disables the /v1/events route and makes
// broadcasts a no-op, the same optionality pattern as killSwitch.
func New(
	cfg config.ServerConfig,
	store canon.Store,
	pl *pipeline.Pipeline,
	actionRuns *actionrun.Service,
	replayDriver *replay.Driver,
	ks *killswitch.KillSwitch,
	cfgLoader *config.Loader,
	events *eventstream.Hub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		pipeline:   pl,
		actionRuns: actionRuns,
		replay:     replayDriver,
		killSwitch: ks,
		cfgLoader:  cfgLoader,
		events:     events,
		mux:        http.NewServeMux(),
		logger:     logger.With("component", "server.Server"),
	}
	s.registerRoutes()
	return s
}

// broadcast fans an event out to connected subscribers. No-op if the node
// was not configured with an event stream hub.
func (s *Server) broadcast(kind string, data any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(kind, data)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/observations", s.handleIngest)
	s.mux.HandleFunc("POST /v1/observations/batch", s.handleIngestBatch)

	s.mux.HandleFunc("POST /v1/action-runs/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /v1/action-runs/{id}/reject", s.handleReject)
	s.mux.HandleFunc("POST /v1/action-runs/{id}/execute", s.handleExecute)
	s.mux.HandleFunc("GET /v1/action-runs/{id}", s.handleGetActionRun)

	s.mux.HandleFunc("POST /v1/replay/{nodeId}", s.handleReplay)

	s.mux.HandleFunc("POST /v1/kill-switch/global", s.handleKillGlobal)
	s.mux.HandleFunc("POST /v1/kill-switch/node/{nodeId}", s.handleKillNode)
	s.mux.HandleFunc("POST /v1/kill-switch/reset/global", s.handleKillResetGlobal)
	s.mux.HandleFunc("POST /v1/kill-switch/reset/node/{nodeId}", s.handleKillResetNode)
	s.mux.HandleFunc("GET /v1/kill-switch/status", s.handleKillStatus)

	s.mux.HandleFunc("POST /api/policies/reload", s.handlePoliciesReload)
	s.mux.HandleFunc("GET /api/policies", s.handlePoliciesList)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	if s.events != nil {
		s.mux.HandleFunc("GET /v1/events", s.events.HandleWebSocket)
	}

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the routed handler, wrapped with CORS headers when the
// node's config enables them.
func (s *Server) Handler() http.Handler {
	if s.cfg.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// corsMiddleware adds permissive CORS headers for development deployments.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info("server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Request/response types
// ---------------------------------------------------------------------------

type observationRequest struct {
	NodeID     string         `json:"node_id"`
	Type       string         `json:"type"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Payload    any            `json:"payload,omitempty"`
	Provenance provenanceBody `json:"provenance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

type provenanceBody struct {
	SourceID string `json:"source_id"`
	Method   string `json:"method"`
}

func (r observationRequest) toInput() pipeline.ObservationInput {
	ts := time.Time{}
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	return pipeline.ObservationInput{
		NodeID:     canon.NodeID(r.NodeID),
		Type:       r.Type,
		Timestamp:  ts,
		Payload:    r.Payload,
		Provenance: canon.Provenance{SourceID: r.Provenance.SourceID, Method: r.Provenance.Method},
		Tags:       r.Tags,
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	result, err := s.pipeline.ProcessObservation(r.Context(), req.toInput(), pipeline.Options{})
	if err != nil {
		writeErrorFromCanonerr(w, err)
		return
	}
	s.broadcast("observation_processed", result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []observationRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	inputs := make([]pipeline.ObservationInput, len(reqs))
	for i, req := range reqs {
		inputs[i] = req.toInput()
	}
	results := s.pipeline.ProcessObservations(r.Context(), inputs, pipeline.Options{})
	writeJSON(w, http.StatusOK, results)
}

type actorBody struct {
	NodeID string `json:"actor_node_id"`
	Kind   string `json:"actor_kind"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body actorBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	actor := actionrun.Actor{NodeID: body.NodeID, Kind: canon.NodeKind(body.Kind)}
	if err := s.actionRuns.Approve(actor, id); err != nil {
		writeErrorFromCanonerr(w, err)
		return
	}
	s.broadcast("action_run_status", map[string]any{"id": id, "status": "approved"})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		actorBody
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	actor := actionrun.Actor{NodeID: body.NodeID, Kind: canon.NodeKind(body.Kind)}
	if err := s.actionRuns.Reject(actor, id, body.Reason); err != nil {
		writeErrorFromCanonerr(w, err)
		return
	}
	s.broadcast("action_run_status", map[string]any{"id": id, "status": "rejected"})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.actionRuns.Execute(r.Context(), id); err != nil {
		writeErrorFromCanonerr(w, err)
		return
	}
	if run, getErr := s.store.GetActionRun(id); getErr == nil && run != nil {
		s.broadcast("action_run_status", map[string]any{"id": id, "status": run.Status})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetActionRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetActionRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("action run %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	var body struct {
		Mode string `json:"mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	defer func() { _ = r.Body.Close() }()

	policies, err := s.store.QueryPolicies(canon.PolicyFilter{NodeID: canon.NodeID(nodeID)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	mode := replay.ModeEvaluateOnly
	if body.Mode != "" {
		mode = replay.Mode(body.Mode)
	}
	summary, err := s.replay.Run(r.Context(), canon.NodeID(nodeID), policies, mode, nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleKillGlobal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	defer func() { _ = r.Body.Close() }()
	s.killSwitch.TriggerGlobal(body.Reason, "api")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleKillNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	defer func() { _ = r.Body.Close() }()
	s.killSwitch.TriggerNode(nodeID, body.Reason, "api")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleKillResetGlobal(w http.ResponseWriter, r *http.Request) {
	s.killSwitch.ResetGlobal()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleKillResetNode(w http.ResponseWriter, r *http.Request) {
	s.killSwitch.ResetNode(r.PathValue("nodeId"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleKillStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.killSwitch.Status())
}

func (s *Server) handlePoliciesReload(w http.ResponseWriter, r *http.Request) {
	if s.cfgLoader == nil {
		writeError(w, http.StatusServiceUnavailable, "no config loader configured")
		return
	}
	if err := s.cfgLoader.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePoliciesList(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	policies, err := s.store.QueryPolicies(canon.PolicyFilter{NodeID: canon.NodeID(nodeID)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"ok": true}
	if s.killSwitch != nil {
		status["kill_switch"] = s.killSwitch.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "message": message})
}

// writeErrorFromCanonerr maps a canonerr.Kind to its HTTP status, falling
// back to 500 for anything it doesn't recognize (including non-canonerr
// errors, which should not normally escape a boundary-facing call).
func writeErrorFromCanonerr(w http.ResponseWriter, err error) {
	ce, ok := err.(*canonerr.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch ce.Kind {
	case canonerr.KindValidation, canonerr.KindInvalidEffect:
		status = http.StatusBadRequest
	case canonerr.KindNodeNotFound, canonerr.KindActionRunNotFound:
		status = http.StatusNotFound
	case canonerr.KindInvalidActionState, canonerr.KindInsufficientAuthority:
		status = http.StatusConflict
	case canonerr.KindKillSwitchBlocked:
		status = http.StatusServiceUnavailable
	case canonerr.KindPolicyTimeout, canonerr.KindActionTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, ce.Error())
}
