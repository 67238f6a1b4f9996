// Package guardian implements the task runner's Verify phase: after an
// action executes, an independent verifier checks the result against
// the plan's intent and records a PASS/FAIL/NEEDS_REVIEW verdict before
// the runner decides whether to proceed, retry, or escalate.
package guardian

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// Verdict is the outcome a Verifier returns for one execution.
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictNeedsReview  Verdict = "NEEDS_REVIEW"
)

// Verifier checks an execution's result against the plan that produced
// it. Callers register one per action domain (e.g. a schema-validating
// verifier for API calls, a dry-run-diff verifier for infrastructure
// changes); Panel.Verify runs the one verifier registered under the
// requested name.
type Verifier interface {
	Verify(ctx context.Context, taskID string, result []byte) (Verdict, string, error)
}

// Panel owns the guardian_verdicts table and runs registered verifiers.
type Panel struct {
	st        *store.Store
	log       *zap.Logger
	verifiers map[string]Verifier
}

// New constructs a guardian Panel backed by st.
func New(st *store.Store, log *zap.Logger) *Panel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Panel{st: st, log: log.Named("guardian"), verifiers: map[string]Verifier{}}
}

// Register wires a Verifier under name, used by Verify to pick which
// verifier panel checks a given task's domain.
func (p *Panel) Register(name string, v Verifier) {
	p.verifiers[name] = v
}

// Verify runs the named verifier against result, records the verdict,
// and returns it. An unregistered name yields VerdictNeedsReview rather
// than an error — a task with no domain-specific verifier still needs a
// human look before the runner treats it as succeeded.
func (p *Panel) Verify(ctx context.Context, taskID, verifierName string, result []byte) (Verdict, error) {
	v, ok := p.verifiers[verifierName]
	if !ok {
		return p.record(ctx, taskID, verifierName, VerdictNeedsReview, "no verifier registered for this domain", "")
	}
	verdict, rationale, err := v.Verify(ctx, taskID, result)
	if err != nil {
		return p.record(ctx, taskID, verifierName, VerdictNeedsReview, fmt.Sprintf("verifier error: %v", err), "")
	}
	return p.record(ctx, taskID, verifierName, verdict, rationale, "")
}

func (p *Panel) record(ctx context.Context, taskID, verifier string, verdict Verdict, rationale, evidenceID string) (Verdict, error) {
	id := store.NewID("verdict")
	var evidenceVal any
	if evidenceID != "" {
		evidenceVal = evidenceID
	}
	err := p.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO guardian_verdicts (id, task_id, verdict, verifier, rationale, evidence_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, taskID, string(verdict), verifier, rationale, evidenceVal, store.Now())
		return err
	})
	return verdict, err
}

// Latest returns the most recent verdict recorded for a task, or
// ("", false) if none exists.
func (p *Panel) Latest(ctx context.Context, taskID string) (Verdict, bool, error) {
	var verdict string
	err := p.st.DB().QueryRowContext(ctx, `
		SELECT verdict FROM guardian_verdicts WHERE task_id = ? ORDER BY created_at DESC LIMIT 1
	`, taskID).Scan(&verdict)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load latest verdict: %w", err)
	}
	return Verdict(verdict), true, nil
}
