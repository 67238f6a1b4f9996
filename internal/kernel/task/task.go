// Package task is the top-level Task Runner: it drives a task through
// Intake -> Plan -> Execute -> Verify -> Recover, creating work items,
// appending events, leasing work, freezing decision plans, dispatching
// actions, and recording the terminal outcome. It is a thin composition
// layer over the other kernel packages — it owns no SQL of its own
// beyond the tasks/task_lineage/work_items tables, deferring leasing,
// eventing, decisions, policy, and execution to their owning packages.
package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/action"
	"github.com/marcus-qen/taskkernel/internal/kernel/audit"
	"github.com/marcus-qen/taskkernel/internal/kernel/capability"
	"github.com/marcus-qen/taskkernel/internal/kernel/checkpoint"
	"github.com/marcus-qen/taskkernel/internal/kernel/decision"
	"github.com/marcus-qen/taskkernel/internal/kernel/eventlog"
	"github.com/marcus-qen/taskkernel/internal/kernel/guardian"
	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/lease"
	"github.com/marcus-qen/taskkernel/internal/kernel/metrics"
	"github.com/marcus-qen/taskkernel/internal/kernel/policy"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// Status values a task can hold. Terminal statuses are succeeded,
// failed, blocked, and awaiting_approval is a paused-not-terminal status
// a task leaves only via an escalation decision.
const (
	StatusCreated          = "created"
	StatusPlanning         = "planning"
	StatusExecuting        = "executing"
	StatusAwaitingApproval = "awaiting_approval"
	StatusRecovering       = "recovering"
	StatusSucceeded        = "succeeded"
	StatusFailed           = "failed"
	StatusBlocked          = "blocked"
)

// Task is a row from the tasks table.
type Task struct {
	TaskID     string
	SessionID  string
	Status     string
	ExitReason string
	ProjectID  string
	RepoID     string
	Metadata   json.RawMessage
}

// Runner composes the kernel components into the task lifecycle.
type Runner struct {
	st          *store.Store
	events      *eventlog.Log
	leases      *lease.Manager
	decisions   *decision.Recorder
	caps        *capability.Registry
	policies    *policy.Engine
	actions     *action.Executor
	checkpoints *checkpoint.Store
	guardian    *guardian.Panel
	audit       *audit.Log
	log         *zap.Logger

	maxIterations int
}

// Config bundles the collaborators a Runner needs. All fields are
// required except MaxIterations, Guardian, and Audit: a nil Guardian
// makes Verify always return guardian.VerdictNeedsReview, and a nil
// Audit silently drops audit trail writes instead of failing the
// operation that triggered them.
type Config struct {
	Store        *store.Store
	Events       *eventlog.Log
	Leases       *lease.Manager
	Decisions    *decision.Recorder
	Capabilities *capability.Registry
	Policies     *policy.Engine
	Actions      *action.Executor
	Checkpoints  *checkpoint.Store
	Guardian     *guardian.Panel
	Audit        *audit.Log
	Log          *zap.Logger

	MaxIterations int
}

// New constructs a task Runner from cfg.
func New(cfg Config) *Runner {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	max := cfg.MaxIterations
	if max <= 0 {
		max = 50
	}
	return &Runner{
		st: cfg.Store, events: cfg.Events, leases: cfg.Leases, decisions: cfg.Decisions,
		caps: cfg.Capabilities, policies: cfg.Policies, actions: cfg.Actions,
		checkpoints: cfg.Checkpoints, guardian: cfg.Guardian, audit: cfg.Audit,
		log: log.Named("task"), maxIterations: max,
	}
}


// CreateInput describes a new task's intake.
type CreateInput struct {
	SessionID string
	ProjectID string
	RepoID    string
	Metadata  json.RawMessage
	ParentRef *LineageRef // non-nil if this task was spawned by another
}

// LineageRef records why a task exists in terms of another entity.
type LineageRef struct {
	Kind  string // e.g. "parent_task", "triggering_session"
	RefID string
}

// Create performs Intake: inserts the task row, records lineage, and
// emits the task_created event.
func (r *Runner) Create(ctx context.Context, in CreateInput) (Task, error) {
	t := Task{
		TaskID: store.NewID("task"), SessionID: in.SessionID, Status: StatusCreated,
		ProjectID: in.ProjectID, RepoID: in.RepoID, Metadata: in.Metadata,
	}
	if t.Metadata == nil {
		t.Metadata = []byte("{}")
	}

	err := r.st.WriteTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, session_id, status, project_id, repo_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.TaskID, t.SessionID, t.Status, t.ProjectID, t.RepoID, string(t.Metadata), now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if in.ParentRef != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_lineage (task_id, kind, ref_id, created_at) VALUES (?, ?, ?, ?)
			`, t.TaskID, in.ParentRef.Kind, in.ParentRef.RefID, now); err != nil {
				return fmt.Errorf("insert lineage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	if _, err := r.events.Append(ctx, eventlog.AppendInput{
		TaskID: t.TaskID, EventType: "task_created", Phase: "intake", Actor: "kernel",
		Payload: map[string]any{"session_id": in.SessionID, "project_id": in.ProjectID},
	}); err != nil {
		r.log.Warn("failed to append task_created event", zap.Error(err))
	}

	metrics.ActiveTasks.Inc()
	return t, nil
}

// setStatus transitions a task's status and appends a phase_transition event.
func (r *Runner) setStatus(ctx context.Context, taskID, status, reason string) error {
	err := r.st.Write(ctx, func(db *sql.DB) error {
		var exitReason any
		if reason != "" {
			exitReason = reason
		}
		_, err := db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, exit_reason = ?, updated_at = ? WHERE task_id = ?`,
			status, exitReason, store.Now(), taskID)
		return err
	})
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	_, err = r.events.Append(ctx, eventlog.AppendInput{
		TaskID: taskID, EventType: "phase_transition", Phase: status, Actor: "kernel",
		Payload: map[string]any{"status": status, "reason": reason},
	})
	return err
}

// WorkItem is a unit of leaseable work under a task.
type WorkItem struct {
	WorkItemID string
	TaskID     string
	WorkType   string
	Status     string
}

// AddWorkItem creates a pending work item under taskID, ready for a
// worker to lease.
func (r *Runner) AddWorkItem(ctx context.Context, taskID, workType string, input json.RawMessage) (WorkItem, error) {
	wi := WorkItem{WorkItemID: store.NewID("wi"), TaskID: taskID, WorkType: workType, Status: "pending"}
	if input == nil {
		input = []byte("{}")
	}
	err := r.st.Write(ctx, func(db *sql.DB) error {
		now := store.Now()
		_, err := db.ExecContext(ctx, `
			INSERT INTO work_items (work_item_id, task_id, work_type, status, input_json, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?, ?)
		`, wi.WorkItemID, taskID, workType, string(input), now, now)
		return err
	})
	return wi, err
}

// TerminateDecision captures the outcome of evaluating why a task cannot
// continue — the resolution to the "blocked vs awaiting_approval" open
// question: a policy ESCALATE or a capability escalation always yields
// awaiting_approval (recoverable by a human decision), a policy DENY or
// an exhausted retry/iteration ceiling yields blocked (terminal without
// a policy change), and a handler failure with no retries left yields
// failed.
type TerminateDecision struct {
	Status string
	Reason string
}

// Resolve decides the terminal status for a task given why it stopped
// making forward progress.
func Resolve(escalated bool, policyDenied bool, iterationsExhausted bool, handlerFailed bool) TerminateDecision {
	switch {
	case escalated:
		return TerminateDecision{Status: StatusAwaitingApproval, Reason: "escalated for human review"}
	case policyDenied:
		return TerminateDecision{Status: StatusBlocked, Reason: "policy denied"}
	case iterationsExhausted:
		return TerminateDecision{Status: StatusBlocked, Reason: "iteration ceiling reached"}
	case handlerFailed:
		return TerminateDecision{Status: StatusFailed, Reason: "action handler failed with no retries remaining"}
	default:
		return TerminateDecision{Status: StatusSucceeded, Reason: ""}
	}
}

// Terminate transitions a task to a terminal (or awaiting_approval)
// status, appends the corresponding event, and records an audit entry
// when the task did not succeed.
func (r *Runner) Terminate(ctx context.Context, taskID string, d TerminateDecision) error {
	if err := r.setStatus(ctx, taskID, d.Status, d.Reason); err != nil {
		return err
	}
	if d.Status != StatusSucceeded && r.audit != nil {
		if err := r.audit.Record(ctx, taskID, "ERROR_TASK_TERMINATED", d.Reason, map[string]any{"status": d.Status}); err != nil {
			r.log.Warn("failed to record termination audit entry", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	metrics.ActiveTasks.Dec()
	var createdAtStr string
	if err := r.st.DB().QueryRowContext(ctx, `SELECT created_at FROM tasks WHERE task_id = ?`, taskID).Scan(&createdAtStr); err == nil {
		if createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr); err == nil {
			metrics.RecordTaskTerminal(d.Status, time.Since(createdAt))
		}
	}
	return nil
}

// Verify runs the Verify phase for a task: the guardian panel checks the
// most recent action's result against verifierName's domain-specific
// rules, appends a verify_completed event and returns the verdict; it
// does not change the task's status. A Runner with no guardian.Panel
// wired always returns VerdictNeedsReview, which callers should treat
// the same as a human-review gate.
func (r *Runner) Verify(ctx context.Context, taskID, verifierName string, result json.RawMessage) (guardian.Verdict, error) {
	if r.guardian == nil {
		return guardian.VerdictNeedsReview, nil
	}
	verdict, err := r.guardian.Verify(ctx, taskID, verifierName, result)
	if err != nil {
		return verdict, err
	}
	if _, err := r.events.Append(ctx, eventlog.AppendInput{
		TaskID: taskID, EventType: "verify_completed", Phase: "verify", Actor: "guardian",
		Payload: map[string]any{"verdict": string(verdict), "verifier": verifierName},
	}); err != nil {
		r.log.Warn("failed to append verify_completed event", zap.String("task_id", taskID), zap.Error(err))
	}
	return verdict, nil
}

// Recover runs the recovery path for a task after a crash or a lease
// sweep reclaim: transition the task to recovering, load the latest
// checkpoint (if any) and append a recovery_started event. Work items
// are not requeued here; the lease sweep resets expired ones.
func (r *Runner) Recover(ctx context.Context, taskID string) error {
	if err := r.setStatus(ctx, taskID, StatusRecovering, "lease reclaimed or crash detected"); err != nil {
		return err
	}
	cp, err := r.checkpoints.Latest(ctx, taskID)
	if err != nil && err != kernelerr.ErrCheckpointInvalid {
		return err
	}
	_, err = r.events.Append(ctx, eventlog.AppendInput{
		TaskID: taskID, EventType: "recovery_started", Phase: "recover", Actor: "kernel",
		Payload: map[string]any{"resumed_from_seq": cp.SequenceNumber},
	})
	return err
}

// RunOnceSweep drives one pass of lease reclamation for all tasks, used
// by the kernel's background sweep loop: every reclaimed work item's
// owning task is driven into recovery, unless its retry_count has
// exceeded the configured ceiling, in which case the task is blocked
// instead.
func (r *Runner) RunOnceSweep(ctx context.Context, maxRetries int) error {
	reclaimed, err := r.leases.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, item := range reclaimed {
		if item.RetryCount > maxRetries {
			if err := r.Terminate(ctx, item.TaskID, TerminateDecision{Status: StatusBlocked, Reason: "work item retry ceiling exceeded"}); err != nil {
				r.log.Warn("failed to block task after retry ceiling", zap.String("task_id", item.TaskID), zap.Error(err))
			}
			continue
		}
		if err := r.Recover(ctx, item.TaskID); err != nil {
			r.log.Warn("failed to recover task after lease reclaim", zap.String("task_id", item.TaskID), zap.Error(err))
		}
	}
	return nil
}

// ExecuteActionInput bundles everything the Execute phase's governance
// gate and the Action Executor need for one action invocation.
type ExecuteActionInput struct {
	TaskID         string
	AgentID        string
	CapabilityID   string
	ActionID       string
	DecisionPlanID string
	PlanHash       string
	Params         json.RawMessage
	Reversible     bool
	DeclaredEffects []action.SideEffect

	// CallStack and Context feed the capability authorizer's call-path
	// validation and grant-scope matching.
	CallStack []string
	Context   map[string]any

	// Dimensions, QuotaKey, QuotaCost, and OverrideToken feed the policy
	// engine's risk scoring and quota enforcement.
	Dimensions    policy.RiskDimensions
	QuotaKey      string
	QuotaCost     float64
	OverrideToken string
}

// ExecuteAction is the Execute phase's sole entry point for running an
// action: the capability authorizer and the policy/risk/quota engine are
// both mandatory preconditions, evaluated in that order, before the
// request ever reaches the Action Executor. Neither gate is optional —
// the authorizer is the only gate any privileged operation passes
// through, and a capability allow does not imply a policy allow.
func (r *Runner) ExecuteAction(ctx context.Context, in ExecuteActionInput) (action.Execution, error) {
	capDecision, err := r.caps.Check(ctx, capability.CheckRequest{
		TaskID:       in.TaskID,
		AgentID:      in.AgentID,
		CapabilityID: in.CapabilityID,
		CallStack:    in.CallStack,
		Context:      in.Context,
	})
	if err != nil {
		return action.Execution{}, fmt.Errorf("capability check: %w", err)
	}
	if capDecision.Escalated {
		return action.Execution{}, kernelerr.New(kernelerr.CodeAuthEscalated, capDecision.Reason, nil).
			WithContext(map[string]any{"escalation_id": capDecision.EscalationID})
	}
	if !capDecision.Allowed {
		return action.Execution{}, kernelerr.New(kernelerr.CodeAuthDenied, capDecision.Reason, nil)
	}

	policyResult, err := r.policies.Evaluate(ctx, policy.EvalRequest{
		TaskID:        in.TaskID,
		AgentID:       in.AgentID,
		CapabilityID:  in.CapabilityID,
		Dimensions:    in.Dimensions,
		QuotaKey:      in.QuotaKey,
		QuotaCost:     in.QuotaCost,
		OverrideToken: in.OverrideToken,
	})
	if err != nil {
		return action.Execution{}, err
	}
	if policyResult.Decision == policy.ActionEscalate {
		return action.Execution{}, kernelerr.New(kernelerr.CodeAuthEscalated, "policy evaluation escalated for review", nil)
	}

	exec, err := r.actions.Execute(ctx, action.ExecutionRequest{
		ActionID:        in.ActionID,
		DecisionPlanID:  in.DecisionPlanID,
		PlanHash:        in.PlanHash,
		AgentID:         in.AgentID,
		Params:          in.Params,
		Reversible:      in.Reversible,
		DeclaredEffects: in.DeclaredEffects,
	})
	if err == nil && in.QuotaKey != "" {
		if cErr := r.policies.CommitQuota(ctx, in.AgentID, in.QuotaKey, in.QuotaCost); cErr != nil {
			r.log.Warn("failed to commit quota usage", zap.String("task_id", in.TaskID), zap.String("agent_id", in.AgentID), zap.Error(cErr))
		}
	}
	return exec, err
}

// Get loads a task by ID.
func (r *Runner) Get(ctx context.Context, taskID string) (Task, error) {
	var t Task
	var metadata string
	var exitReason sql.NullString
	err := r.st.DB().QueryRowContext(ctx, `
		SELECT task_id, session_id, status, COALESCE(exit_reason,''), project_id, repo_id, metadata
		FROM tasks WHERE task_id = ?
	`, taskID).Scan(&t.TaskID, &t.SessionID, &t.Status, &exitReason, &t.ProjectID, &t.RepoID, &metadata)
	if err == sql.ErrNoRows {
		return Task{}, fmt.Errorf("task %s: %w", taskID, sql.ErrNoRows)
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task: %w", err)
	}
	t.ExitReason = exitReason.String
	t.Metadata = json.RawMessage(metadata)
	return t, nil
}
