// Package api is the kernel's HTTP surface: one net/http 1.22+
// method-pattern ServeMux, wired through the bearer-token authn
// middleware, dispatching to the kernel components rather than owning
// any business logic itself.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/action"
	"github.com/marcus-qen/taskkernel/internal/kernel/audit"
	"github.com/marcus-qen/taskkernel/internal/kernel/authn"
	"github.com/marcus-qen/taskkernel/internal/kernel/capability"
	"github.com/marcus-qen/taskkernel/internal/kernel/decision"
	"github.com/marcus-qen/taskkernel/internal/kernel/eventlog"
	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/policy"
	"github.com/marcus-qen/taskkernel/internal/kernel/task"
	"github.com/marcus-qen/taskkernel/internal/shared/ratelimit"
)

// Config bundles the kernel components the API dispatches to.
type Config struct {
	ListenAddr string
	Verifier   *authn.Verifier

	Tasks        *task.Runner
	Events       *eventlog.Log
	Decisions    *decision.Recorder
	Actions      *action.Executor
	Capabilities *capability.Registry
	Policies     *policy.Engine
	Audit        *audit.Log

	// Executions throttles POST /api/actions/execute per agent_id. A nil
	// value disables throttling entirely.
	Executions *ratelimit.Limiter

	Log *zap.Logger
}

// Server is the kernel's HTTP + WebSocket API.
type Server struct {
	cfg Config
	log *zap.Logger
	mux *http.ServeMux
	ws  *streamHub
}

// NewServer constructs a Server and registers all routes.
func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg: cfg,
		log: log.Named("api"),
		mux: http.NewServeMux(),
		ws:  newStreamHub(cfg.Events, log),
	}
	s.registerRoutes()
	return s
}

// Handler returns the full HTTP handler chain: auth middleware wraps the
// mux, so every route sees an authenticated role in its context (or no
// role, for routes that don't require one).
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.cfg.Verifier != nil {
		h = s.cfg.Verifier.Middleware(h)
	}
	return h
}

// Start runs the HTTP server until ctx is canceled, then shuts down
// gracefully with a bounded drain window.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api shutdown failed: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server error after shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("POST /api/tasks", s.requireRole(authn.RoleControl, authn.RoleAdmin)(http.HandlerFunc(s.handleCreateTask)))
	s.mux.Handle("GET /api/tasks/{id}", s.requireRole(authn.RoleControl, authn.RoleAdmin)(http.HandlerFunc(s.handleGetTask)))
	s.mux.Handle("GET /api/tasks/{id}/events", s.requireRole(authn.RoleControl, authn.RoleAdmin)(http.HandlerFunc(s.handleTaskEvents)))
	s.mux.Handle("GET /api/tasks/{id}/graph", s.requireRole(authn.RoleControl, authn.RoleAdmin)(http.HandlerFunc(s.handleTaskGraph)))

	s.mux.Handle("POST /api/decisions/{plan_id}/freeze", s.requireRole(authn.RoleControl, authn.RoleAdmin)(http.HandlerFunc(s.handleFreezePlan)))

	s.mux.Handle("POST /api/actions/execute", s.requireRole(authn.RoleControl, authn.RoleAdmin)(http.HandlerFunc(s.handleExecuteAction)))

	s.mux.Handle("POST /api/capabilities/grants", s.requireRole(authn.RoleAdmin)(http.HandlerFunc(s.handleGrantCapability)))
	s.mux.Handle("POST /api/capabilities/{id}/revoke", s.requireRole(authn.RoleAdmin)(http.HandlerFunc(s.handleRevokeCapability)))

	s.mux.Handle("POST /api/escalations/{id}/approve", s.requireRole(authn.RoleAdmin)(http.HandlerFunc(s.handleApproveEscalation)))
	s.mux.Handle("POST /api/escalations/{id}/reject", s.requireRole(authn.RoleAdmin)(http.HandlerFunc(s.handleRejectEscalation)))

	s.mux.Handle("GET /api/governance/policies", s.requireRole(authn.RoleAdmin)(http.HandlerFunc(s.handleListPolicies)))
	s.mux.Handle("POST /api/governance/override", s.requireRole(authn.RoleAdmin)(http.HandlerFunc(s.handleMintOverride)))

	s.mux.HandleFunc("/ws/tasks/{id}/events", s.ws.handleConn)
}

func (s *Server) requireRole(allowed ...authn.Role) func(http.Handler) http.Handler {
	return authn.RequireRole(allowed...)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string          `json:"session_id"`
		ProjectID string          `json:"project_id"`
		RepoID    string          `json:"repo_id"`
		Metadata  json.RawMessage `json:"metadata"`
		ParentRef *struct {
			Kind  string `json:"kind"`
			RefID string `json:"ref_id"`
		} `json:"parent_ref,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in := task.CreateInput{SessionID: body.SessionID, ProjectID: body.ProjectID, RepoID: body.RepoID, Metadata: body.Metadata}
	if body.ParentRef != nil {
		in.ParentRef = &task.LineageRef{Kind: body.ParentRef.Kind, RefID: body.ParentRef.RefID}
	}
	t, err := s.cfg.Tasks.Create(r.Context(), in)
	if err != nil {
		s.writeKernelErr(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": t.TaskID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.cfg.Tasks.Get(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeKernelErr(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": t.TaskID, "session_id": t.SessionID, "status": t.Status,
		"exit_reason": t.ExitReason, "project_id": t.ProjectID, "repo_id": t.RepoID,
		"metadata": t.Metadata,
	})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sinceSeq, limit := int64(0), 0
	if v := r.URL.Query().Get("since_seq"); v != "" {
		sinceSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	events, err := s.cfg.Events.Since(r.Context(), id, sinceSeq)
	if err != nil {
		s.writeKernelErr(w, r, id, err)
		return
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTaskGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	root := r.URL.Query().Get("root_span_id")
	events, err := s.cfg.Events.Since(r.Context(), id, 0)
	if err != nil {
		s.writeKernelErr(w, r, id, err)
		return
	}
	if root != "" {
		events, err = s.cfg.Events.SpanTree(r.Context(), id, root)
		if err != nil {
			s.writeKernelErr(w, r, id, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"span_tree": events})
}

func (s *Server) handleFreezePlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("plan_id")
	p, err := s.cfg.Decisions.Freeze(r.Context(), planID)
	if err != nil {
		s.writeKernelErr(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan_hash": p.PlanHash, "frozen_at": p.FrozenAt})
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID       string          `json:"task_id"`
		ActionID     string          `json:"action_id"`
		CapabilityID string          `json:"capability_id"`
		Params       json.RawMessage `json:"params"`
		DecisionID   string          `json:"decision_id"`
		PlanHash     string          `json:"plan_hash"`
		AgentID      string          `json:"agent_id"`
		Reversible   bool            `json:"reversible"`
		DeclaredEffects []struct {
			Type   string          `json:"type"`
			Detail json.RawMessage `json:"detail"`
		} `json:"declared_effects"`
		CallStack     []string              `json:"call_stack"`
		Context       map[string]any        `json:"context"`
		RiskDimensions policy.RiskDimensions `json:"risk_dimensions"`
		QuotaKey      string                `json:"quota_key"`
		QuotaCost     float64               `json:"quota_cost"`
		OverrideToken string                `json:"override_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	declared := make([]action.SideEffect, 0, len(body.DeclaredEffects))
	for _, e := range body.DeclaredEffects {
		declared = append(declared, action.SideEffect{Type: e.Type, Detail: e.Detail})
	}

	if s.cfg.Executions != nil {
		if d := s.cfg.Executions.Allow(body.AgentID, false); !d.Allowed {
			writeError(w, http.StatusTooManyRequests, d.Reason)
			return
		}
		s.cfg.Executions.RecordStart(body.AgentID)
		defer s.cfg.Executions.RecordComplete(body.AgentID)
	}

	exec, err := s.cfg.Tasks.ExecuteAction(r.Context(), task.ExecuteActionInput{
		TaskID: body.TaskID, AgentID: body.AgentID, CapabilityID: body.CapabilityID,
		ActionID: body.ActionID, DecisionPlanID: body.DecisionID, PlanHash: body.PlanHash,
		Params: body.Params, Reversible: body.Reversible, DeclaredEffects: declared,
		CallStack: body.CallStack, Context: body.Context,
		Dimensions: body.RiskDimensions, QuotaKey: body.QuotaKey, QuotaCost: body.QuotaCost,
		OverrideToken: body.OverrideToken,
	})
	if err != nil {
		s.writeKernelErr(w, r, body.DecisionID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": exec.ExecutionID, "status": exec.Status, "result": exec.Result,
		"duration_ms": exec.DurationMS,
	})
}

func (s *Server) handleGrantCapability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID      string          `json:"agent_id"`
		CapabilityID string          `json:"capability_id"`
		Scope        json.RawMessage `json:"scope"`
		ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	g, err := s.cfg.Capabilities.Grant(r.Context(), body.AgentID, body.CapabilityID, body.Scope, body.ExpiresAt)
	if err != nil {
		s.writeKernelErr(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"grant_id": g.GrantID})
}

func (s *Server) handleRevokeCapability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.cfg.Capabilities.Revoke(r.Context(), id, body.Reason); err != nil {
		s.writeKernelErr(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"grant_id": id, "status": "revoked"})
}

func (s *Server) handleApproveEscalation(w http.ResponseWriter, r *http.Request) {
	s.decideEscalation(w, r, "approved")
}

func (s *Server) handleRejectEscalation(w http.ResponseWriter, r *http.Request) {
	s.decideEscalation(w, r, "rejected")
}

func (s *Server) decideEscalation(w http.ResponseWriter, r *http.Request, decision string) {
	id := r.PathValue("id")
	var body struct {
		DecidedBy string `json:"decided_by"`
		Reason    string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.cfg.Capabilities.Decide(r.Context(), id, body.DecidedBy, decision, body.Reason); err != nil {
		s.writeKernelErr(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"escalation_id": id, "status": decision})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.cfg.Policies.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleMintOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperationID   string `json:"operation_id"`
		Justification string `json:"justification"`
		MintedBy      string `json:"minted_by"`
		TTLSeconds    int    `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	token, err := s.cfg.Policies.MintOverride(r.Context(), body.OperationID, body.Justification, body.MintedBy, ttl)
	if err != nil {
		s.writeKernelErr(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// writeKernelErr translates a kernel error into an HTTP status + JSON
// envelope carrying its stable Code, and records it to the audit trail
// when an audit.Log is wired.
func (s *Server) writeKernelErr(w http.ResponseWriter, r *http.Request, taskID string, err error) {
	if s.cfg.Audit != nil {
		if auditErr := s.cfg.Audit.RecordErr(r.Context(), taskID, err); auditErr != nil {
			s.log.Warn("failed to record audit entry", zap.Error(auditErr))
		}
	}

	var kerr *kernelerr.KernelError
	if !errors.As(err, &kerr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch kerr.Code {
	case kernelerr.CodeAuthDenied, kernelerr.CodePolicyDenied:
		status = http.StatusForbidden
	case kernelerr.CodeAuthEscalated:
		status = http.StatusAccepted
	case kernelerr.CodePathInvalid, kernelerr.CodePlanHashMismatch, kernelerr.CodeIdempotencyMismatch, kernelerr.CodePrecondition, kernelerr.CodeLeaseLost:
		status = http.StatusConflict
	case kernelerr.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
	case kernelerr.CodePlanNotFrozen, kernelerr.CodeCheckpointInvalid:
		status = http.StatusNotFound
	case kernelerr.CodeHandlerFailure, kernelerr.CodeRollbackFailed, kernelerr.CodeStoreMigration:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": string(kerr.Code), "message": kerr.Message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
