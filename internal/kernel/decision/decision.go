// Package decision records the Options -> Evaluation -> Selection ->
// Rationale pipeline a task runner goes through before it acts. A plan
// starts as a mutable draft, and Freeze content-hashes it into an
// immutable artifact; every downstream execution must present that same
// hash or its request is rejected, so nothing can execute against a plan
// that has since been edited out from under it.
package decision

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// Plan is a task's decision plan.
type Plan struct {
	PlanID       string
	TaskID       string
	Status       string // draft | frozen | archived | rolled_back
	Steps        json.RawMessage
	Alternatives json.RawMessage
	PlanHash     string
	FrozenAt     *time.Time
}

// Option is one candidate course of action considered for a plan.
type Option struct {
	OptionID string
	PlanID   string
	Cost     float64
	TimeMS   int64
	Risks    json.RawMessage
	Benefits json.RawMessage
}

// Selection records which option was chosen, and why.
type Selection struct {
	SelectionID      string
	PlanID           string
	EvaluationID     string
	SelectedOptionID string
	Rationale        string
	Rejected         json.RawMessage
	ConfidenceBand   string // low | medium | high
	EvidenceID       string
}

// Recorder owns the decision plan lifecycle.
type Recorder struct {
	st  *store.Store
	log *zap.Logger
}

// New constructs a decision Recorder backed by st.
func New(st *store.Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{st: st, log: log.Named("decision")}
}

// StartPlan creates a new draft plan for a task.
func (r *Recorder) StartPlan(ctx context.Context, taskID string) (Plan, error) {
	p := Plan{PlanID: store.NewID("plan"), TaskID: taskID, Status: "draft", Steps: []byte("[]"), Alternatives: []byte("[]")}
	err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO decision_plans (plan_id, task_id, status, steps_json, alternatives_json, created_at, updated_at)
			VALUES (?, ?, 'draft', '[]', '[]', ?, ?)
		`, p.PlanID, taskID, store.Now(), store.Now())
		return err
	})
	return p, err
}

// UpdateSteps rewrites a draft plan's steps/alternatives. It fails if the
// plan is no longer in draft status — the freeze trigger in the schema
// would reject it anyway, but failing here gives a precise kernel error
// instead of a raw SQLite constraint failure.
func (r *Recorder) UpdateSteps(ctx context.Context, planID string, steps, alternatives json.RawMessage) error {
	return r.st.Write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE decision_plans SET steps_json = ?, alternatives_json = ?, updated_at = ?
			WHERE plan_id = ? AND status = 'draft'
		`, string(steps), string(alternatives), store.Now(), planID)
		if err != nil {
			return fmt.Errorf("update plan steps: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return kernelerr.New(kernelerr.CodePlanNotFrozen, "plan is not in draft status", nil)
		}
		return nil
	})
}

// AddOption attaches a candidate option to a draft plan.
func (r *Recorder) AddOption(ctx context.Context, planID string, cost float64, timeMS int64, risks, benefits json.RawMessage) (Option, error) {
	o := Option{OptionID: store.NewID("opt"), PlanID: planID, Cost: cost, TimeMS: timeMS, Risks: risks, Benefits: benefits}
	if o.Risks == nil {
		o.Risks = []byte("[]")
	}
	if o.Benefits == nil {
		o.Benefits = []byte("[]")
	}
	err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO decision_options (option_id, plan_id, cost, time_ms, risks_json, benefits_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, o.OptionID, planID, cost, timeMS, string(o.Risks), string(o.Benefits), store.Now())
		return err
	})
	return o, err
}

// RecordEvaluation ranks the plan's options and records a recommendation.
func (r *Recorder) RecordEvaluation(ctx context.Context, planID string, ranked []string, recommended string, confidence int, evaluatedBy string) (string, error) {
	evalID := store.NewID("eval")
	rankedJSON, _ := json.Marshal(ranked)
	err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO decision_evaluations (evaluation_id, plan_id, ranked_json, recommendation_option_id, confidence, evaluated_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, evalID, planID, string(rankedJSON), recommended, confidence, evaluatedBy, store.Now())
		return err
	})
	return evalID, err
}

// Select records the chosen option and the rationale for choosing it
// over the alternatives that were rejected.
func (r *Recorder) Select(ctx context.Context, sel Selection) (Selection, error) {
	sel.SelectionID = store.NewID("sel")
	if sel.Rejected == nil {
		sel.Rejected = []byte("[]")
	}
	err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO decision_selections
				(selection_id, plan_id, evaluation_id, selected_option_id, rationale, rejected_json, confidence_band, evidence_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sel.SelectionID, sel.PlanID, sel.EvaluationID, sel.SelectedOptionID, sel.Rationale,
			string(sel.Rejected), sel.ConfidenceBand, sel.EvidenceID, store.Now())
		return err
	})
	return sel, err
}

// canonicalPlan is the stable, field-ordered JSON shape that Freeze
// hashes. Map keys in Go's encoding/json already serialize in sorted
// order, but plan_id/task_id/steps/alternatives are kept as an explicit
// struct field order here so the hash is documented rather than implicit
// in map iteration behavior.
type canonicalPlan struct {
	PlanID       string          `json:"plan_id"`
	TaskID       string          `json:"task_id"`
	Steps        json.RawMessage `json:"steps"`
	Alternatives json.RawMessage `json:"alternatives"`
}

// Hash computes the stable plan_hash for a plan's current content.
func Hash(planID, taskID string, steps, alternatives json.RawMessage) (string, error) {
	cp := canonicalPlan{PlanID: planID, TaskID: taskID, Steps: normalizeJSON(steps), Alternatives: normalizeJSON(alternatives)}
	b, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal canonical plan: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeJSON re-marshals raw to fold whitespace differences out before
// hashing. Round-tripping through map[string]any is sufficient because
// encoding/json already marshals object keys in sorted order.
func normalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// Freeze content-hashes a draft plan and transitions it to frozen. Once
// frozen, the schema's immutability trigger rejects any further update
// to this row.
func (r *Recorder) Freeze(ctx context.Context, planID string) (Plan, error) {
	var p Plan
	err := r.st.WriteTx(ctx, func(tx *sql.Tx) error {
		var steps, alternatives, status string
		if err := tx.QueryRowContext(ctx,
			`SELECT task_id, status, steps_json, alternatives_json FROM decision_plans WHERE plan_id = ?`,
			planID,
		).Scan(&p.TaskID, &status, &steps, &alternatives); err != nil {
			if err == sql.ErrNoRows {
				return kernelerr.New(kernelerr.CodePlanNotFrozen, "plan not found", nil)
			}
			return err
		}
		if status != "draft" {
			return kernelerr.New(kernelerr.CodePlanNotFrozen, "plan is not in draft status", nil)
		}

		hash, err := Hash(planID, p.TaskID, json.RawMessage(steps), json.RawMessage(alternatives))
		if err != nil {
			return err
		}

		now := store.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE decision_plans SET status = 'frozen', plan_hash = ?, frozen_at = ?, updated_at = ?
			WHERE plan_id = ?
		`, hash, now, now, planID); err != nil {
			return fmt.Errorf("freeze plan: %w", err)
		}

		p.PlanID = planID
		p.Status = "frozen"
		p.PlanHash = hash
		p.Steps = json.RawMessage(steps)
		p.Alternatives = json.RawMessage(alternatives)
		return nil
	})
	return p, err
}

// VerifyHash confirms that expectedHash matches the frozen plan's
// plan_hash, returning kernelerr.ErrPlanHashMismatch otherwise. Every
// action execution request must pass this check before the Action
// Executor runs anything, so a plan edited after a caller last read it
// can never be silently executed against.
func (r *Recorder) VerifyHash(ctx context.Context, planID, expectedHash string) error {
	var status, hash string
	err := r.st.DB().QueryRowContext(ctx,
		`SELECT status, COALESCE(plan_hash, '') FROM decision_plans WHERE plan_id = ?`, planID,
	).Scan(&status, &hash)
	if err == sql.ErrNoRows {
		return kernelerr.New(kernelerr.CodePlanNotFrozen, "plan not found", nil)
	}
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	if status != "frozen" {
		return kernelerr.ErrPlanNotFrozen
	}
	if hash != expectedHash {
		return kernelerr.ErrPlanHashMismatch
	}
	return nil
}
