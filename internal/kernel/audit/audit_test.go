package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	taskID := "task-1"
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO tasks (task_id, status, metadata, created_at, updated_at) VALUES (?, 'created', '{}', ?, ?)`, taskID, store.Now(), store.Now())
		return err
	}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return New(st, zap.NewNop()), taskID
}

func TestRecordAndForTaskReturnsNewestFirst(t *testing.T) {
	l, taskID := newTestLog(t)
	ctx := context.Background()
	if err := l.Record(ctx, taskID, "ERROR_POLICY_DENIED", "first", nil); err != nil {
		t.Fatalf("record 1: %v", err)
	}
	if err := l.Record(ctx, taskID, "ERROR_POLICY_DENIED", "second", map[string]any{"rule": "deny-all"}); err != nil {
		t.Fatalf("record 2: %v", err)
	}

	entries, err := l.ForTask(ctx, taskID, 10)
	if err != nil {
		t.Fatalf("for task: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "second" {
		t.Fatalf("expected newest entry first, got %s", entries[0].Message)
	}
}

func TestRecordErrWalksChainForKernelError(t *testing.T) {
	l, taskID := newTestLog(t)
	ctx := context.Background()
	if err := l.RecordErr(ctx, taskID, fmt.Errorf("evaluate policy: %w", kernelerr.ErrPolicyDenied)); err != nil {
		t.Fatalf("record err: %v", err)
	}

	entries, err := l.ForTask(ctx, taskID, 10)
	if err != nil {
		t.Fatalf("for task: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ErrorCode != string(kernelerr.CodePolicyDenied) {
		t.Fatalf("expected error code %s, got %s", kernelerr.CodePolicyDenied, entries[0].ErrorCode)
	}
}

func TestRecordErrFallsBackForPlainError(t *testing.T) {
	l, taskID := newTestLog(t)
	ctx := context.Background()
	if err := l.RecordErr(ctx, taskID, errors.New("boom")); err != nil {
		t.Fatalf("record err: %v", err)
	}

	entries, err := l.ForTask(ctx, taskID, 10)
	if err != nil {
		t.Fatalf("for task: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ErrorCode != "ERROR_UNKNOWN" {
		t.Fatalf("expected fallback error code ERROR_UNKNOWN, got %s", entries[0].ErrorCode)
	}
}

func TestForTaskRespectsLimit(t *testing.T) {
	l, taskID := newTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, taskID, "ERROR_POLICY_DENIED", "entry", nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, err := l.ForTask(ctx, taskID, 2)
	if err != nil {
		t.Fatalf("for task: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit to cap at 2 entries, got %d", len(entries))
	}
}
