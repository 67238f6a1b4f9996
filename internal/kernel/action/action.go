// Package action is the Action Executor: the single place where a
// frozen decision plan's selected option actually runs against the
// world. Every execution records its declared side effects before it
// runs and its actual side effects after, so a reviewer can diff what a
// handler said it would do against what it actually did.
package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/decision"
	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/metrics"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
	"github.com/marcus-qen/taskkernel/internal/kernel/trust"
	"github.com/marcus-qen/taskkernel/internal/shared/security"
)

var tracer = otel.Tracer("taskkernel/action")

// SideEffect is one declared or observed effect of an action.
type SideEffect struct {
	Type   string
	Detail json.RawMessage
}

// Handler performs the actual work for one action_id. Handlers are
// registered by the process wiring the kernel together (HTTP calls,
// shell commands, MCP tool invocations, Kubernetes mutations — whatever
// the deployment needs), never hardcoded into the executor itself.
type Handler interface {
	// Execute runs params and returns its result plus the side effects it
	// actually caused. Declared is what the handler expects to cause
	// before running; Execute reports what actually happened, which may
	// differ.
	Execute(ctx context.Context, params json.RawMessage) (result json.RawMessage, actual []SideEffect, err error)
	// Reversible reports whether Rollback is implemented for this action.
	Reversible() bool
	// Rollback undoes a previous execution's effects, given its recorded
	// result. Only called when Reversible() is true.
	Rollback(ctx context.Context, params, result json.RawMessage) error
}

// ExecutionRequest is one request to run an action against a frozen plan.
type ExecutionRequest struct {
	ActionID         string
	DecisionPlanID   string
	PlanHash         string
	AgentID          string
	Params           json.RawMessage
	Reversible       bool
	DeclaredEffects  []SideEffect
	PreconditionsOK  func(ctx context.Context) (bool, string) // nil means no precondition check
}

// Execution is the durable record of one action run.
type Execution struct {
	ExecutionID string
	Status      string // pending | running | succeeded | failed
	Result      json.RawMessage
	Error       string
	DurationMS  int64
}

// Executor runs actions against registered handlers.
type Executor struct {
	st       *store.Store
	decision *decision.Recorder
	trust    *trust.Tracker
	log      *zap.Logger
	handlers map[string]Handler
}

// New constructs an Executor backed by st, verifying plan hashes via dec.
func New(st *store.Store, dec *decision.Recorder, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{st: st, decision: dec, log: log.Named("action"), handlers: map[string]Handler{}}
}

// WithTrust attaches a trust Tracker so every execution updates the
// calling agent's EARNING/STABLE/DEGRADING trajectory for this action.
// Returns e for chaining at construction time.
func (e *Executor) WithTrust(t *trust.Tracker) *Executor {
	e.trust = t
	return e
}

// Register wires a Handler for actionID. Re-registering an actionID
// replaces the previous handler — used by tests and by hot-reloadable
// tool registries alike.
func (e *Executor) Register(actionID string, h Handler) {
	e.handlers[actionID] = h
}

// Execute verifies the plan hash, runs preconditions, dispatches to the
// registered handler, and records declared vs actual side effects. A
// plan-hash mismatch or a failed precondition is recorded as a failed
// execution, not silently skipped, so the audit trail always shows why
// an action did not run.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) (Execution, error) {
	ctx, span := tracer.Start(ctx, "action.execute", trace.WithAttributes(
		attribute.String("action_id", req.ActionID),
		attribute.String("decision_plan_id", req.DecisionPlanID),
	))
	defer span.End()

	if e.decision != nil {
		if err := e.decision.VerifyHash(ctx, req.DecisionPlanID, req.PlanHash); err != nil {
			return e.recordFailure(ctx, req, err)
		}
	}

	if req.PreconditionsOK != nil {
		if ok, reason := req.PreconditionsOK(ctx); !ok {
			return e.recordFailure(ctx, req, kernelerr.New(kernelerr.CodePrecondition, reason, nil))
		}
	}

	handler, ok := e.handlers[req.ActionID]
	if !ok {
		return e.recordFailure(ctx, req, kernelerr.New(kernelerr.CodeHandlerFailure, fmt.Sprintf("no handler registered for action %q", req.ActionID), nil))
	}

	execID := store.NewID("exec")
	declaredJSON, _ := json.Marshal(req.DeclaredEffects)
	reversibleInt := 0
	if req.Reversible {
		reversibleInt = 1
	}
	started := store.Now()
	if err := e.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO action_execution_log
				(execution_id, action_id, decision_id, agent_id, params_json, status, reversible, declared_effects_json, started_at)
			VALUES (?, ?, ?, ?, ?, 'running', ?, ?, ?)
		`, execID, req.ActionID, req.DecisionPlanID, req.AgentID, string(req.Params), reversibleInt, string(declaredJSON), started)
		return err
	}); err != nil {
		return Execution{}, fmt.Errorf("record execution start: %w", err)
	}

	start := time.Now()
	result, actual, runErr := handler.Execute(ctx, req.Params)
	duration := time.Since(start).Milliseconds()

	if result != nil {
		result = json.RawMessage(security.SanitizeActionResult(string(result), 0))
	}

	status := "succeeded"
	errMsg := ""
	if runErr != nil {
		status = "failed"
		errMsg = runErr.Error()
		span.RecordError(runErr)
	}

	unexpected := diffSideEffects(req.DeclaredEffects, actual)
	unexpectedJSON, _ := json.Marshal(unexpected)

	if err := e.st.WriteTx(ctx, func(tx *sql.Tx) error {
		var resultVal any
		if result != nil {
			resultVal = string(result)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE action_execution_log
			SET status = ?, result_json = ?, error_message = ?, unexpected_effects_json = ?,
			    completed_at = ?, duration_ms = ?
			WHERE execution_id = ?
		`, status, resultVal, errMsg, string(unexpectedJSON), store.Now(), duration, execID); err != nil {
			return fmt.Errorf("record execution result: %w", err)
		}
		for _, eff := range actual {
			declared := containsEffect(req.DeclaredEffects, eff)
			wasDeclared := 0
			if declared {
				wasDeclared = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO action_side_effects_individual (execution_id, effect_type, detail_json, was_declared, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, execID, eff.Type, string(eff.Detail), wasDeclared, store.Now()); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return Execution{}, err
	}

	metrics.RecordActionExecution(req.ActionID, status, time.Duration(duration)*time.Millisecond)
	if e.trust != nil {
		// An unexpected side effect is a security signal in its own right
		// even when the handler reports success: the executor promised
		// only the declared effects, so anything beyond them demotes trust
		// exactly like a policy rejection would.
		if runErr != nil || len(unexpected) > 0 {
			if _, tErr := e.trust.RecordRejection(ctx, req.AgentID, req.ActionID, nil, nil); tErr != nil {
				e.log.Warn("trust rejection record failed", zap.Error(tErr))
			}
		} else {
			if _, tErr := e.trust.RecordSuccess(ctx, req.AgentID, req.ActionID, nil, nil); tErr != nil {
				e.log.Warn("trust success record failed", zap.Error(tErr))
			}
		}
	}

	if runErr != nil {
		return Execution{ExecutionID: execID, Status: status, Error: errMsg, DurationMS: duration},
			kernelerr.New(kernelerr.CodeHandlerFailure, "action handler failed", runErr)
	}
	return Execution{ExecutionID: execID, Status: status, Result: result, DurationMS: duration}, nil
}

func (e *Executor) recordFailure(ctx context.Context, req ExecutionRequest, cause error) (Execution, error) {
	execID := store.NewID("exec")
	_ = e.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO action_execution_log
				(execution_id, action_id, decision_id, agent_id, params_json, status, error_message, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, 'failed', ?, ?, ?)
		`, execID, req.ActionID, req.DecisionPlanID, req.AgentID, string(req.Params), cause.Error(), store.Now(), store.Now())
		return err
	})
	return Execution{ExecutionID: execID, Status: "failed", Error: cause.Error()}, cause
}

func containsEffect(declared []SideEffect, eff SideEffect) bool {
	for _, d := range declared {
		if d.Type == eff.Type && string(d.Detail) == string(eff.Detail) {
			return true
		}
	}
	return false
}

// diffSideEffects returns the effects in actual that were not present in
// declared — the "unexpected side effects" an auditor reviews first.
func diffSideEffects(declared, actual []SideEffect) []SideEffect {
	var out []SideEffect
	for _, a := range actual {
		if !containsEffect(declared, a) {
			out = append(out, a)
		}
	}
	return out
}

// Rollback reverses a previous execution via its handler, recording the
// attempt in rollback_history regardless of outcome.
func (e *Executor) Rollback(ctx context.Context, executionID string) error {
	var actionID, paramsJSON, resultJSON string
	var reversible int
	if err := e.st.DB().QueryRowContext(ctx,
		`SELECT action_id, params_json, COALESCE(result_json,'{}'), reversible FROM action_execution_log WHERE execution_id = ?`,
		executionID,
	).Scan(&actionID, &paramsJSON, &resultJSON, &reversible); err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if reversible == 0 {
		return kernelerr.New(kernelerr.CodeRollbackFailed, "execution is not reversible", nil)
	}
	handler, ok := e.handlers[actionID]
	if !ok || !handler.Reversible() {
		return kernelerr.New(kernelerr.CodeRollbackFailed, "no reversible handler registered", nil)
	}

	rollbackID := store.NewID("rb")
	status := "succeeded"
	rbErr := handler.Rollback(ctx, json.RawMessage(paramsJSON), json.RawMessage(resultJSON))
	if rbErr != nil {
		status = "failed"
	}
	if err := e.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rollback_history (rollback_id, execution_id, status, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?)
		`, rollbackID, executionID, status, store.Now(), store.Now())
		return err
	}); err != nil {
		return err
	}
	if rbErr != nil {
		return kernelerr.New(kernelerr.CodeRollbackFailed, "rollback handler failed", rbErr)
	}
	return nil
}

// ReplayMode selects how Replay exercises a prior execution.
type ReplayMode string

const (
	ReplayDryRun  ReplayMode = "dry_run"
	ReplayActual  ReplayMode = "actual"
	ReplayCompare ReplayMode = "compare"
)

// Replay re-runs a prior execution's params through its handler for
// debugging/verification and records a diff against the original result.
func (e *Executor) Replay(ctx context.Context, executionID string, mode ReplayMode) (json.RawMessage, error) {
	var actionID, paramsJSON, origResultJSON string
	if err := e.st.DB().QueryRowContext(ctx,
		`SELECT action_id, params_json, COALESCE(result_json,'null') FROM action_execution_log WHERE execution_id = ?`,
		executionID,
	).Scan(&actionID, &paramsJSON, &origResultJSON); err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	handler, ok := e.handlers[actionID]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeHandlerFailure, "no handler registered for replay", nil)
	}

	var result json.RawMessage
	var diff json.RawMessage
	if mode == ReplayDryRun {
		result = json.RawMessage(origResultJSON)
		diff = []byte(`{"mode":"dry_run","note":"handler not invoked"}`)
	} else {
		newResult, _, err := handler.Execute(ctx, json.RawMessage(paramsJSON))
		if err != nil {
			return nil, kernelerr.New(kernelerr.CodeHandlerFailure, "replay execution failed", err)
		}
		result = newResult
		if mode == ReplayCompare {
			d := map[string]any{"original": json.RawMessage(origResultJSON), "replay": newResult}
			diff, _ = json.Marshal(d)
		}
	}

	replayID := store.NewID("replay")
	if err := e.st.Write(ctx, func(db *sql.DB) error {
		var diffVal any
		if diff != nil {
			diffVal = string(diff)
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO action_replays (replay_id, execution_id, mode, diff_json, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, replayID, executionID, string(mode), diffVal, store.Now())
		return err
	}); err != nil {
		return nil, err
	}
	return result, nil
}
