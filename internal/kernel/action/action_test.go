package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/decision"
	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
	"github.com/marcus-qen/taskkernel/internal/kernel/trust"
)

type fakeHandler struct {
	result     json.RawMessage
	actual     []SideEffect
	err        error
	reversible bool
	rollbackErr error
}

func (h *fakeHandler) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, []SideEffect, error) {
	return h.result, h.actual, h.err
}
func (h *fakeHandler) Reversible() bool { return h.reversible }
func (h *fakeHandler) Rollback(ctx context.Context, params, result json.RawMessage) error {
	return h.rollbackErr
}

func newTestExecutor(t *testing.T) (*Executor, *decision.Recorder, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO tasks (task_id, status, metadata, created_at, updated_at) VALUES ('task-1', 'created', '{}', ?, ?)`, store.Now(), store.Now())
		return err
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	dec := decision.New(st, zap.NewNop())
	plan, err := dec.StartPlan(ctx, "task-1")
	if err != nil {
		t.Fatalf("start plan: %v", err)
	}
	frozen, err := dec.Freeze(ctx, plan.PlanID)
	if err != nil {
		t.Fatalf("freeze plan: %v", err)
	}

	return New(st, dec, zap.NewNop()), dec, frozen.PlanID
}

func TestExecuteRejectsPlanHashMismatch(t *testing.T) {
	exec, _, planID := newTestExecutor(t)
	_, err := exec.Execute(context.Background(), ExecutionRequest{
		ActionID: "noop", DecisionPlanID: planID, PlanHash: "wrong", AgentID: "agent-1", Params: json.RawMessage(`{}`),
	})
	if !errors.Is(err, kernelerr.ErrPlanHashMismatch) {
		t.Fatalf("expected ErrPlanHashMismatch, got %v", err)
	}
}

func TestExecuteFailsWithNoRegisteredHandler(t *testing.T) {
	exec, dec, planID := newTestExecutor(t)
	var hash string
	if err := exec.st.DB().QueryRow(`SELECT plan_hash FROM decision_plans WHERE plan_id = ?`, planID).Scan(&hash); err != nil {
		t.Fatalf("load plan hash: %v", err)
	}
	_ = dec
	_, err := exec.Execute(context.Background(), ExecutionRequest{
		ActionID: "missing", DecisionPlanID: planID, PlanHash: hash, AgentID: "agent-1", Params: json.RawMessage(`{}`),
	})
	if !errors.Is(err, kernelerr.ErrHandlerFailure) {
		t.Fatalf("expected ErrHandlerFailure for an unregistered action, got %v", err)
	}
}

func TestExecuteSucceedsAndRecordsExecution(t *testing.T) {
	exec, _, planID := newTestExecutor(t)
	var hash string
	if err := exec.st.DB().QueryRow(`SELECT plan_hash FROM decision_plans WHERE plan_id = ?`, planID).Scan(&hash); err != nil {
		t.Fatalf("load plan hash: %v", err)
	}
	exec.Register("noop", &fakeHandler{result: json.RawMessage(`{"ok":true}`)})

	got, err := exec.Execute(context.Background(), ExecutionRequest{
		ActionID: "noop", DecisionPlanID: planID, PlanHash: hash, AgentID: "agent-1", Params: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestExecuteUnexpectedSideEffectDemotesTrust(t *testing.T) {
	exec, _, planID := newTestExecutor(t)
	var hash string
	if err := exec.st.DB().QueryRow(`SELECT plan_hash FROM decision_plans WHERE plan_id = ?`, planID).Scan(&hash); err != nil {
		t.Fatalf("load plan hash: %v", err)
	}

	tr := trust.New(exec.st, zap.NewNop())
	exec.WithTrust(tr)
	exec.Register("risky", &fakeHandler{
		result: json.RawMessage(`{}`),
		actual: []SideEffect{{Type: "file_write", Detail: json.RawMessage(`{"path":"/etc/shadow"}`)}},
	})

	ctx := context.Background()
	declared := []SideEffect{{Type: "file_write", Detail: json.RawMessage(`{"path":"/tmp/ok"}`)}}
	got, err := exec.Execute(ctx, ExecutionRequest{
		ActionID: "risky", DecisionPlanID: planID, PlanHash: hash, AgentID: "agent-1",
		Params: json.RawMessage(`{}`), DeclaredEffects: declared,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != "succeeded" {
		t.Fatalf("expected the handler's own success status to remain succeeded, got %s", got.Status)
	}

	snap, err := tr.Get(ctx, "agent-1", "risky")
	if err != nil {
		t.Fatalf("load trust snapshot: %v", err)
	}
	if snap.PolicyRejections != 1 {
		t.Fatalf("expected an unexpected side effect to record as a rejection, got policy_rejections=%d", snap.PolicyRejections)
	}
}

func TestExecuteCleanRunRecordsTrustSuccess(t *testing.T) {
	exec, _, planID := newTestExecutor(t)
	var hash string
	if err := exec.st.DB().QueryRow(`SELECT plan_hash FROM decision_plans WHERE plan_id = ?`, planID).Scan(&hash); err != nil {
		t.Fatalf("load plan hash: %v", err)
	}

	tr := trust.New(exec.st, zap.NewNop())
	exec.WithTrust(tr)
	declared := []SideEffect{{Type: "file_write", Detail: json.RawMessage(`{"path":"/tmp/ok"}`)}}
	exec.Register("clean", &fakeHandler{result: json.RawMessage(`{}`), actual: declared})

	ctx := context.Background()
	if _, err := exec.Execute(ctx, ExecutionRequest{
		ActionID: "clean", DecisionPlanID: planID, PlanHash: hash, AgentID: "agent-1",
		Params: json.RawMessage(`{}`), DeclaredEffects: declared,
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	snap, err := tr.Get(ctx, "agent-1", "clean")
	if err != nil {
		t.Fatalf("load trust snapshot: %v", err)
	}
	if snap.ConsecutiveSuccesses != 1 || snap.PolicyRejections != 0 {
		t.Fatalf("expected a clean run with only declared effects to record success, got %+v", snap)
	}
}

func TestRollbackRequiresReversibleExecution(t *testing.T) {
	exec, _, planID := newTestExecutor(t)
	var hash string
	if err := exec.st.DB().QueryRow(`SELECT plan_hash FROM decision_plans WHERE plan_id = ?`, planID).Scan(&hash); err != nil {
		t.Fatalf("load plan hash: %v", err)
	}
	exec.Register("irreversible", &fakeHandler{result: json.RawMessage(`{}`)})

	ctx := context.Background()
	got, err := exec.Execute(ctx, ExecutionRequest{
		ActionID: "irreversible", DecisionPlanID: planID, PlanHash: hash, AgentID: "agent-1",
		Params: json.RawMessage(`{}`), Reversible: false,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := exec.Rollback(ctx, got.ExecutionID); !errors.Is(err, kernelerr.ErrRollbackFailed) {
		t.Fatalf("expected ErrRollbackFailed for a non-reversible execution, got %v", err)
	}
}
