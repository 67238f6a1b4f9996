package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/audit"
	"github.com/marcus-qen/taskkernel/internal/kernel/checkpoint"
	"github.com/marcus-qen/taskkernel/internal/kernel/eventlog"
	"github.com/marcus-qen/taskkernel/internal/kernel/guardian"
	"github.com/marcus-qen/taskkernel/internal/kernel/lease"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

func newBareRunner(t *testing.T) *Runner {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	events := eventlog.New(st, zap.NewNop())
	return New(Config{
		Store:       st,
		Events:      events,
		Leases:      lease.New(st, zap.NewNop(), 0),
		Checkpoints: checkpoint.New(st, zap.NewNop()),
		Guardian:    guardian.New(st, zap.NewNop()),
		Audit:       audit.New(st, zap.NewNop()),
		Log:         zap.NewNop(),
	})
}

func TestCreateInsertsTaskAndEmitsEvent(t *testing.T) {
	r := newBareRunner(t)
	ctx := context.Background()
	tk, err := r.Create(ctx, CreateInput{SessionID: "sess-1", ProjectID: "proj-1", RepoID: "repo-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tk.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", tk.Status)
	}

	events, err := r.events.Since(ctx, tk.TaskID, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "task_created" {
		t.Fatalf("expected a single task_created event, got %+v", events)
	}
}

func TestCreateRecordsLineageForSpawnedTask(t *testing.T) {
	r := newBareRunner(t)
	ctx := context.Background()
	parent, err := r.Create(ctx, CreateInput{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := r.Create(ctx, CreateInput{SessionID: "sess-1", ParentRef: &LineageRef{Kind: "parent_task", RefID: parent.TaskID}})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	var refID string
	if err := r.st.DB().QueryRow(`SELECT ref_id FROM task_lineage WHERE task_id = ? AND kind = 'parent_task'`, child.TaskID).Scan(&refID); err != nil {
		t.Fatalf("load lineage: %v", err)
	}
	if refID != parent.TaskID {
		t.Fatalf("expected lineage to reference parent %s, got %s", parent.TaskID, refID)
	}
}

func TestAddWorkItemStartsPending(t *testing.T) {
	r := newBareRunner(t)
	ctx := context.Background()
	tk, err := r.Create(ctx, CreateInput{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	wi, err := r.AddWorkItem(ctx, tk.TaskID, "shell_command", json.RawMessage(`{"cmd":"echo hi"}`))
	if err != nil {
		t.Fatalf("add work item: %v", err)
	}
	if wi.Status != "pending" {
		t.Fatalf("expected pending status, got %s", wi.Status)
	}
}

func TestResolvePicksTerminalStatusByReason(t *testing.T) {
	cases := []struct {
		name                string
		escalated           bool
		policyDenied        bool
		iterationsExhausted bool
		handlerFailed       bool
		want                string
	}{
		{"escalated wins first", true, true, true, true, StatusAwaitingApproval},
		{"policy denied", false, true, false, false, StatusBlocked},
		{"iterations exhausted", false, false, true, false, StatusBlocked},
		{"handler failed", false, false, false, true, StatusFailed},
		{"clean success", false, false, false, false, StatusSucceeded},
	}
	for _, c := range cases {
		got := Resolve(c.escalated, c.policyDenied, c.iterationsExhausted, c.handlerFailed)
		if got.Status != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got.Status)
		}
	}
}

func TestTerminateTransitionsStatusAndRecordsAuditOnFailure(t *testing.T) {
	r := newBareRunner(t)
	ctx := context.Background()
	tk, err := r.Create(ctx, CreateInput{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Terminate(ctx, tk.TaskID, Resolve(false, true, false, false)); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	got, err := r.Get(ctx, tk.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusBlocked {
		t.Fatalf("expected blocked, got %s", got.Status)
	}

	entries, err := r.audit.ForTask(ctx, tk.TaskID, 10)
	if err != nil {
		t.Fatalf("audit for task: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a termination audit entry, got %d", len(entries))
	}
}

func TestVerifyWithNilGuardianAlwaysNeedsReview(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r := New(Config{Store: st, Events: eventlog.New(st, zap.NewNop()), Log: zap.NewNop()})

	tk, err := r.Create(ctx, CreateInput{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	verdict, err := r.Verify(ctx, tk.TaskID, "code_review", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verdict != guardian.VerdictNeedsReview {
		t.Fatalf("expected needs_review with no guardian wired, got %s", verdict)
	}
}

func TestRecoverTransitionsToRecoveringAndHandlesMissingCheckpoint(t *testing.T) {
	r := newBareRunner(t)
	ctx := context.Background()
	tk, err := r.Create(ctx, CreateInput{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Recover(ctx, tk.TaskID); err != nil {
		t.Fatalf("recover with no checkpoint: %v", err)
	}
	got, err := r.Get(ctx, tk.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRecovering {
		t.Fatalf("expected recovering, got %s", got.Status)
	}
}
