// Package policy is the deterministic rule engine that sits beside
// capability authorization: where capability.Registry asks "is this
// agent allowed to call this capability at all," policy.Engine asks "does
// this particular invocation, in this particular risk and quota context,
// clear the bar." The two are deliberately separate — an agent can be
// capability-authorized and still be policy-denied for a single
// over-limit call.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/metrics"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// RuleAction is what a matched policy rule does to the request.
type RuleAction string

const (
	ActionAllow    RuleAction = "ALLOW"
	ActionDeny     RuleAction = "DENY"
	ActionEscalate RuleAction = "ESCALATE"
	ActionWarn     RuleAction = "WARN"
)

// Rule is one condition/action pair within a policy version.
type Rule struct {
	Priority  int
	Condition map[string]any
	Action    RuleAction
}

// RiskLevel buckets a composite risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskDimensions is the five-axis input to risk scoring, deliberately
// mirroring the blast-radius style of scoring used elsewhere in the
// stack: each axis contributes an independent weight to a composite
// score rather than one axis dominating the others.
type RiskDimensions struct {
	Reversibility    float64 // 0 (fully reversible) .. 1 (irreversible)
	BlastRadius      float64 // 0 (single target) .. 1 (broad/prod)
	DataSensitivity  float64 // 0 (public) .. 1 (restricted)
	PriorFailureRate float64 // 0 (clean history) .. 1 (high failure rate)
	AutonomyGap      float64 // 0 (human in loop) .. 1 (fully autonomous)
}

// Engine evaluates policy, risk, and quota for a capability invocation
// and mints/redeems emergency override tokens.
type Engine struct {
	st  *store.Store
	log *zap.Logger
}

// New constructs a policy Engine backed by st.
func New(st *store.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{st: st, log: log.Named("policy")}
}

// EvalRequest is the context a single policy/risk/quota evaluation runs
// against.
type EvalRequest struct {
	TaskID       string
	AgentID      string
	CapabilityID string
	Dimensions   RiskDimensions
	QuotaKey     string // resource_type, e.g. "llm_tokens" or "destructive_actions"
	QuotaCost    float64
	OverrideToken string
}

// EvalResult is the combined decision.
type EvalResult struct {
	Decision       RuleAction
	RiskScore      float64
	RiskLevel      RiskLevel
	QuotaExceeded  bool
	QuotaRemaining float64
	TriggeredRules []string
	OverrodeQuota  bool
}

// Evaluate computes the risk assessment, runs the active policy's rules,
// and checks quota, in that order — an emergency override token, if
// presented and valid, bypasses only the quota check, never a DENY rule.
func (e *Engine) Evaluate(ctx context.Context, req EvalRequest) (EvalResult, error) {
	score, level := ScoreRisk(req.Dimensions)
	if err := e.recordRisk(ctx, req, score, level); err != nil {
		return EvalResult{}, err
	}

	rules, err := e.activeRules(ctx)
	if err != nil {
		return EvalResult{}, err
	}

	decision := ActionAllow
	var triggered []string
	matched := false
	for _, r := range rules {
		if ruleMatches(r, req, level) {
			triggered = append(triggered, string(r.Action)+fmt.Sprintf("(p%d)", r.Priority))
			if !matched {
				// Rules are ordered by ascending priority number; the
				// first match decides, later matches are only recorded.
				decision = r.Action
				matched = true
			}
		}
	}

	result := EvalResult{Decision: decision, RiskScore: score, RiskLevel: level, TriggeredRules: triggered}

	if req.QuotaKey != "" {
		exceeded, remaining, err := e.checkQuota(ctx, req.AgentID, req.QuotaKey, req.QuotaCost)
		if err != nil {
			return EvalResult{}, err
		}
		result.QuotaExceeded = exceeded
		result.QuotaRemaining = remaining
		if exceeded {
			if req.OverrideToken != "" {
				ok, err := e.redeemOverride(ctx, req.OverrideToken)
				if err != nil {
					return EvalResult{}, err
				}
				if ok {
					result.OverrodeQuota = true
					result.QuotaExceeded = false
				}
			}
			if result.QuotaExceeded && decision != ActionDeny {
				decision = ActionDeny
				result.Decision = decision
			}
		}
	}

	if err := e.recordEvaluation(ctx, req, result); err != nil {
		return EvalResult{}, err
	}

	metrics.RecordPolicyEvaluation(string(result.Decision), score)
	if result.QuotaExceeded || result.OverrodeQuota {
		metrics.RecordQuotaExceeded(req.QuotaKey, result.OverrodeQuota)
	}

	if result.Decision == ActionDeny {
		return result, kernelerr.ErrPolicyDenied
	}
	return result, nil
}

// strongerAction keeps the most restrictive action seen so far: DENY >
// ESCALATE > WARN > ALLOW.
func strongerAction(current, candidate RuleAction) RuleAction {
	rank := map[RuleAction]int{ActionAllow: 0, ActionWarn: 1, ActionEscalate: 2, ActionDeny: 3}
	if rank[candidate] > rank[current] {
		return candidate
	}
	return current
}

// ruleMatches evaluates a rule's JSON condition against the request. The
// condition vocabulary is intentionally small: min_risk_level and
// capability_id (exact or trailing-"*" prefix), enough to express the
// policy shapes spec'd without building a general expression evaluator.
func ruleMatches(r Rule, req EvalRequest, level RiskLevel) bool {
	if cap, ok := r.Condition["capability_id"].(string); ok && cap != "" {
		if cap != req.CapabilityID && !(len(cap) > 0 && cap[len(cap)-1] == '*' && len(req.CapabilityID) >= len(cap)-1 && req.CapabilityID[:len(cap)-1] == cap[:len(cap)-1]) {
			return false
		}
	}
	if min, ok := r.Condition["min_risk_level"].(string); ok && min != "" {
		order := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}
		if order[level] < order[RiskLevel(min)] {
			return false
		}
	}
	return true
}

// ScoreRisk combines the five risk dimensions into a composite 0..1
// score and buckets it into a level. Weights are fixed constants rather
// than configuration: changing how much each dimension matters is a
// decision with safety consequences, not a tuning knob.
func ScoreRisk(d RiskDimensions) (float64, RiskLevel) {
	const (
		wReversibility = 0.30
		wBlastRadius   = 0.25
		wSensitivity   = 0.20
		wFailureRate   = 0.15
		wAutonomyGap   = 0.10
	)
	score := d.Reversibility*wReversibility +
		d.BlastRadius*wBlastRadius +
		d.DataSensitivity*wSensitivity +
		d.PriorFailureRate*wFailureRate +
		d.AutonomyGap*wAutonomyGap
	score = math.Max(0, math.Min(1, score))

	var level RiskLevel
	switch {
	case score < 0.25:
		level = RiskLow
	case score < 0.50:
		level = RiskMedium
	case score < 0.75:
		level = RiskHigh
	default:
		level = RiskCritical
	}
	return score, level
}

func (e *Engine) recordRisk(ctx context.Context, req EvalRequest, score float64, level RiskLevel) error {
	id := store.NewID("risk")
	dims, _ := json.Marshal(req.Dimensions)
	return e.st.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO risk_assessments (id, capability_id, agent_id, score, level, dimensions_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, req.CapabilityID, req.AgentID, score, string(level), string(dims), store.Now()); err != nil {
			return fmt.Errorf("record risk assessment: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO risk_timeline (assessment_id, capability_id, agent_id, score, level, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, req.CapabilityID, req.AgentID, score, string(level), store.Now())
		return err
	})
}

func (e *Engine) activeRules(ctx context.Context) ([]Rule, error) {
	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT pr.priority, pr.condition_json, pr.action
		FROM policy_rules pr
		JOIN policies p ON p.policy_id = pr.policy_id AND p.version = pr.version
		WHERE p.active = 1
		ORDER BY pr.priority ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var r Rule
		var condJSON, action string
		if err := rows.Scan(&r.Priority, &condJSON, &action); err != nil {
			return nil, err
		}
		r.Action = RuleAction(action)
		_ = json.Unmarshal([]byte(condJSON), &r.Condition)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActivePolicy is one active policy version, summarized for the
// governance API.
type ActivePolicy struct {
	PolicyID  string
	Version   int
	RuleCount int
}

// ListActive returns every currently active policy version, for the
// governance API's GET /api/governance/policies endpoint.
func (e *Engine) ListActive(ctx context.Context) ([]ActivePolicy, error) {
	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT p.policy_id, p.version, COUNT(pr.priority)
		FROM policies p
		LEFT JOIN policy_rules pr ON pr.policy_id = p.policy_id AND pr.version = p.version
		WHERE p.active = 1
		GROUP BY p.policy_id, p.version
		ORDER BY p.policy_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	defer rows.Close()
	var out []ActivePolicy
	for rows.Next() {
		var p ActivePolicy
		if err := rows.Scan(&p.PolicyID, &p.Version, &p.RuleCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (e *Engine) recordEvaluation(ctx context.Context, req EvalRequest, result EvalResult) error {
	triggered, _ := json.Marshal(result.TriggeredRules)
	quotaStatus := "ok"
	if result.QuotaExceeded {
		quotaStatus = "exceeded"
	} else if result.OverrodeQuota {
		quotaStatus = "overridden"
	}
	return e.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO policy_evaluations
				(task_id, capability_id, agent_id, decision, triggered_rules_json, risk_level, quota_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, req.TaskID, req.CapabilityID, req.AgentID, string(result.Decision), string(triggered),
			string(result.RiskLevel), quotaStatus, store.Now())
		return err
	})
}

// checkQuota applies lazy rollover (reset if last_reset_at + interval has
// passed) and then checks whether adding cost would exceed limit_value,
// without yet committing the usage increment — that happens in CommitQuota
// once the caller knows the action actually proceeded.
func (e *Engine) checkQuota(ctx context.Context, agentID, resourceType string, cost float64) (exceeded bool, remaining float64, err error) {
	err = e.st.WriteTx(ctx, func(tx *sql.Tx) error {
		var limit, usage float64
		var resetSeconds sql.NullInt64
		var lastReset string
		row := tx.QueryRowContext(ctx, `
			SELECT limit_value, reset_interval_seconds, current_usage, last_reset_at
			FROM quotas WHERE agent_id = ? AND resource_type = ?
		`, agentID, resourceType)
		if err := row.Scan(&limit, &resetSeconds, &usage, &lastReset); err == sql.ErrNoRows {
			// No quota configured for this resource means unlimited.
			remaining = math.Inf(1)
			return nil
		} else if err != nil {
			return fmt.Errorf("load quota: %w", err)
		}

		if resetSeconds.Valid {
			last, _ := time.Parse(time.RFC3339Nano, lastReset)
			if time.Since(last) > time.Duration(resetSeconds.Int64)*time.Second {
				usage = 0
				if _, err := tx.ExecContext(ctx,
					`UPDATE quotas SET current_usage = 0, last_reset_at = ? WHERE agent_id = ? AND resource_type = ?`,
					store.Now(), agentID, resourceType); err != nil {
					return fmt.Errorf("reset quota: %w", err)
				}
			}
		}

		remaining = limit - usage
		if usage+cost > limit {
			exceeded = true
		}
		return nil
	})
	return exceeded, remaining, err
}

// CommitQuota records actual usage against a resource after the caller
// has confirmed the action proceeded.
func (e *Engine) CommitQuota(ctx context.Context, agentID, resourceType string, cost float64) error {
	return e.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE quotas SET current_usage = current_usage + ? WHERE agent_id = ? AND resource_type = ?`,
			cost, agentID, resourceType)
		return err
	})
}

// MintOverride creates a single-use emergency override token.
func (e *Engine) MintOverride(ctx context.Context, operationID, justification, mintedBy string, ttl time.Duration) (string, error) {
	token := store.NewID("ovr")
	expires := time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
	err := e.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO emergency_overrides (token, operation_id, justification, minted_by, minted_at, expires_at, used)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, token, operationID, justification, mintedBy, store.Now(), expires)
		return err
	})
	return token, err
}

// redeemOverride atomically marks a token used, succeeding only if it was
// unused and unexpired — the UPDATE...WHERE clause is what makes
// single-use enforcement race-proof rather than a property of Go code.
func (e *Engine) redeemOverride(ctx context.Context, token string) (bool, error) {
	var ok bool
	err := e.st.Write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE emergency_overrides SET used = 1, used_at = ?
			WHERE token = ? AND used = 0 AND expires_at > ?
		`, store.Now(), token, store.Now())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n > 0
		return nil
	})
	return ok, err
}
