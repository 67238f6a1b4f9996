package guardian

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

type fakeVerifier struct {
	verdict Verdict
	reason  string
	err     error
}

func (v *fakeVerifier) Verify(ctx context.Context, taskID string, result []byte) (Verdict, string, error) {
	return v.verdict, v.reason, v.err
}

func newTestPanel(t *testing.T) (*Panel, string) {
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

func TestVerifyRecordsRegisteredVerifierVerdict(t *testing.T) {
	p, taskID := newTestPanel(t)
	p.Register("code_review", &fakeVerifier{verdict: VerdictPass, reason: "tests pass"})

	got, err := p.Verify(context.Background(), taskID, "code_review", []byte(`{"diff":"..."}`))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != VerdictPass {
		t.Fatalf("expected pass, got %s", got)
	}
}

func TestVerifyUnregisteredVerifierNeedsReview(t *testing.T) {
	p, taskID := newTestPanel(t)
	got, err := p.Verify(context.Background(), taskID, "nonexistent", []byte(`{}`))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != VerdictNeedsReview {
		t.Fatalf("expected needs_review for an unregistered verifier, got %s", got)
	}
}

func TestLatestReturnsMostRecentVerdict(t *testing.T) {
	p, taskID := newTestPanel(t)
	p.Register("code_review", &fakeVerifier{verdict: VerdictFail, reason: "broken build"})
	if _, err := p.Verify(context.Background(), taskID, "code_review", []byte(`{}`)); err != nil {
		t.Fatalf("verify: %v", err)
	}

	verdict, found, err := p.Latest(context.Background(), taskID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !found {
		t.Fatal("expected a recorded verdict to be found")
	}
	if verdict != VerdictFail {
		t.Fatalf("expected fail, got %s", verdict)
	}
}

func TestLatestReportsNotFoundForUnverifiedTask(t *testing.T) {
	p, taskID := newTestPanel(t)
	_, found, err := p.Latest(context.Background(), taskID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if found {
		t.Fatal("expected no verdict to be found for a task never verified")
	}
}
