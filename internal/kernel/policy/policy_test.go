package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, zap.NewNop()), st
}

func seedPolicy(t *testing.T, st *store.Store, policyID string, rules []Rule) {
	t.Helper()
	ctx := context.Background()
	if err := st.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO policies (policy_id, version, active, created_at) VALUES (?, 1, 1, ?)`, policyID, store.Now()); err != nil {
			return err
		}
		for _, r := range rules {
			condJSON, _ := marshalCondition(r.Condition)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO policy_rules (policy_id, version, priority, condition_json, action)
				VALUES (?, 1, ?, ?, ?)
			`, policyID, r.Priority, condJSON, string(r.Action)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
}

func marshalCondition(c map[string]any) (string, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	return string(b), err
}

func TestScoreRiskBucketsIntoLevels(t *testing.T) {
	cases := []struct {
		dims  RiskDimensions
		level RiskLevel
	}{
		{RiskDimensions{}, RiskLow},
		{RiskDimensions{Reversibility: 1, BlastRadius: 1, DataSensitivity: 1, PriorFailureRate: 1, AutonomyGap: 1}, RiskCritical},
	}
	for _, c := range cases {
		_, level := ScoreRisk(c.dims)
		if level != c.level {
			t.Fatalf("dims %+v: expected level %s, got %s", c.dims, c.level, level)
		}
	}
}

func TestEvaluateDenyRuleRejects(t *testing.T) {
	e, st := newTestEngine(t)
	seedPolicy(t, st, "pol-1", []Rule{{Priority: 100, Condition: map[string]any{"capability_id": "fs.write"}, Action: ActionDeny}})

	result, err := e.Evaluate(context.Background(), EvalRequest{TaskID: "t1", AgentID: "a1", CapabilityID: "fs.write"})
	if !errors.Is(err, kernelerr.ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
	if result.Decision != ActionDeny {
		t.Fatalf("expected DENY decision, got %s", result.Decision)
	}
}

func TestEvaluateAllowsWithNoMatchingRules(t *testing.T) {
	e, st := newTestEngine(t)
	seedPolicy(t, st, "pol-2", []Rule{{Priority: 100, Condition: map[string]any{"capability_id": "other.cap"}, Action: ActionDeny}})

	result, err := e.Evaluate(context.Background(), EvalRequest{TaskID: "t1", AgentID: "a1", CapabilityID: "fs.read"})
	if err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if result.Decision != ActionAllow {
		t.Fatalf("expected ALLOW decision, got %s", result.Decision)
	}
}

func TestEvaluateQuotaExceededDeniesWithoutOverride(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO quotas (agent_id, resource_type, limit_value, current_usage, last_reset_at)
			VALUES ('a1', 'llm_tokens', 10, 9, ?)
		`, store.Now())
		return err
	}); err != nil {
		t.Fatalf("seed quota: %v", err)
	}

	result, err := e.Evaluate(ctx, EvalRequest{TaskID: "t1", AgentID: "a1", CapabilityID: "llm.call", QuotaKey: "llm_tokens", QuotaCost: 5})
	if !errors.Is(err, kernelerr.ErrPolicyDenied) {
		t.Fatalf("expected quota exhaustion to deny, got %v", err)
	}
	if !result.QuotaExceeded {
		t.Fatal("expected QuotaExceeded to be true")
	}
}

func TestEvaluateOverrideTokenBypassesQuota(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO quotas (agent_id, resource_type, limit_value, current_usage, last_reset_at)
			VALUES ('a1', 'llm_tokens', 10, 9, ?)
		`, store.Now())
		return err
	}); err != nil {
		t.Fatalf("seed quota: %v", err)
	}
	token, err := e.MintOverride(ctx, "op-1", "on-call approved", "admin", time.Hour)
	if err != nil {
		t.Fatalf("mint override: %v", err)
	}

	result, err := e.Evaluate(ctx, EvalRequest{TaskID: "t1", AgentID: "a1", CapabilityID: "llm.call", QuotaKey: "llm_tokens", QuotaCost: 5, OverrideToken: token})
	if err != nil {
		t.Fatalf("expected override to allow despite quota exhaustion, got %v", err)
	}
	if !result.OverrodeQuota {
		t.Fatal("expected OverrodeQuota to be true")
	}

	// A second evaluation presenting the same token should not redeem again.
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE quotas SET current_usage = 9 WHERE agent_id = 'a1' AND resource_type = 'llm_tokens'`)
		return err
	}); err != nil {
		t.Fatalf("reset usage: %v", err)
	}
	result2, err := e.Evaluate(ctx, EvalRequest{TaskID: "t1", AgentID: "a1", CapabilityID: "llm.call", QuotaKey: "llm_tokens", QuotaCost: 5, OverrideToken: token})
	if !errors.Is(err, kernelerr.ErrPolicyDenied) {
		t.Fatalf("expected a reused single-use override token to fail to redeem, got %v", err)
	}
	if result2.OverrodeQuota {
		t.Fatal("expected the second redemption attempt to not override")
	}
}

func TestCommitQuotaIncrementsUsage(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO quotas (agent_id, resource_type, limit_value, current_usage, last_reset_at)
			VALUES ('a1', 'llm_tokens', 100, 0, ?)
		`, store.Now())
		return err
	}); err != nil {
		t.Fatalf("seed quota: %v", err)
	}
	if err := e.CommitQuota(ctx, "a1", "llm_tokens", 7); err != nil {
		t.Fatalf("commit quota: %v", err)
	}
	var usage float64
	if err := st.DB().QueryRow(`SELECT current_usage FROM quotas WHERE agent_id = 'a1' AND resource_type = 'llm_tokens'`).Scan(&usage); err != nil {
		t.Fatalf("load usage: %v", err)
	}
	if usage != 7 {
		t.Fatalf("expected usage 7, got %v", usage)
	}
}
