// Package capability is the kernel's enforcement layer between a task's
// requested action and the grant that may or may not permit it. Every
// capability invocation passes through Registry.Check before anything
// executes: match the declared capability, check the agent's tier
// ceiling, check allow/forbid lists, check the grant table and validate
// the call path. A forbidden capability or an invalid call path is
// always denied; any other failure escalates unless the agent's
// escalation policy is "deny".
package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/metrics"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// Definition is one versioned capability in the registry.
type Definition struct {
	CapabilityID string
	Domain       string // state | decision | action | governance | evidence
	Level        string // none | read | propose | write | admin
	Version      int
}

// levelRank orders capability levels for the tier-ceiling comparison;
// higher ranks require more privilege.
var levelRank = map[string]int{"none": 0, "read": 1, "propose": 2, "write": 3, "admin": 4}

// tierCeiling is the maximum capability level an agent's tier may
// exercise without an explicit grant. Tier 3 and above ceiling at
// write — admin is never reachable by tier alone.
func tierCeiling(tier int) string {
	switch tier {
	case 0:
		return "none"
	case 1:
		return "read"
	case 2:
		return "propose"
	default:
		return "write"
	}
}

// Grant authorizes an agent to invoke a capability, optionally scoped and
// time-bounded.
type Grant struct {
	GrantID      string
	AgentID      string
	CapabilityID string
	Scope        json.RawMessage
	GrantedAt    time.Time
	ExpiresAt    *time.Time
	RevokedAt    *time.Time
}

// Agent is the authorization profile the registry checks a request
// against — the capability-side counterpart of an agent's trust state.
type Agent struct {
	AgentID               string
	Tier                  int
	AllowedCapabilities   []string
	ForbiddenCapabilities []string
	EscalationPolicy      string // deny | request_approval | temporary_grant | log_only
}

// Decision is the result of authorizing one capability invocation.
type Decision struct {
	Allowed      bool
	Escalated    bool
	Reason       string
	EscalationID string
}

// Registry owns capability definitions, grants, and the authorization
// decision for each invocation.
type Registry struct {
	st  *store.Store
	log *zap.Logger
}

// New constructs a capability Registry backed by st.
func New(st *store.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{st: st, log: log.Named("capability")}
}

// Define registers (or re-versions) a capability definition.
func (r *Registry) Define(ctx context.Context, d Definition) error {
	return r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO capability_definitions (capability_id, domain, level, version, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(capability_id, version) DO NOTHING
		`, d.CapabilityID, d.Domain, d.Level, d.Version, store.Now())
		return err
	})
}

// Grant issues a new capability grant to an agent.
func (r *Registry) Grant(ctx context.Context, agentID, capabilityID string, scope json.RawMessage, expires *time.Time) (Grant, error) {
	g := Grant{
		GrantID:      store.NewID("grant"),
		AgentID:      agentID,
		CapabilityID: capabilityID,
		Scope:        scope,
		GrantedAt:    time.Now().UTC(),
		ExpiresAt:    expires,
	}
	if g.Scope == nil {
		g.Scope = []byte("{}")
	}
	var expiresVal any
	if expires != nil {
		expiresVal = expires.UTC().Format(time.RFC3339Nano)
	}
	err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO capability_grants (grant_id, agent_id, capability_id, scope_json, granted_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, g.GrantID, g.AgentID, g.CapabilityID, string(g.Scope), g.GrantedAt.Format(time.RFC3339Nano), expiresVal)
		return err
	})
	return g, err
}

// Revoke marks a grant revoked. Revocation is immediate: any in-flight
// Check after this point that loads the grant table will see it gone.
func (r *Registry) Revoke(ctx context.Context, grantID, reason string) error {
	return r.st.Write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE capability_grants SET revoked_at = ?, revoked_reason = ?
			WHERE grant_id = ? AND revoked_at IS NULL
		`, store.Now(), reason, grantID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("grant %s not found or already revoked", grantID)
		}
		return nil
	})
}

// CheckRequest describes one capability invocation request.
type CheckRequest struct {
	TaskID       string
	AgentID      string
	CapabilityID string
	CallStack    []string // capability IDs of the ancestor calls on this path
	Context      map[string]any
}

// Check authorizes a single capability invocation. It always records a
// capability_invocations row (allow, deny, or escalate) so the decision
// is auditable regardless of outcome, and records a
// capability_call_paths row validating the call stack so the recursive
// call-path invariant can be enforced independently of any single
// invocation's outcome.
func (r *Registry) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	agent, err := r.loadAgent(ctx, req.AgentID)
	if err != nil {
		return Decision{}, err
	}

	def, err := r.latestDefinition(ctx, req.CapabilityID)
	if err != nil {
		return Decision{}, err
	}

	granted, err := r.hasActiveGrant(ctx, req.AgentID, req.CapabilityID, req.Context)
	if err != nil {
		return Decision{}, err
	}

	pathValid, pathReason, err := r.recordCallPath(ctx, req)
	if err != nil {
		r.log.Warn("failed to record call path", zap.Error(err))
		pathValid, pathReason = true, ""
	}

	decision := r.evaluate(agent, req, def, granted, pathValid, pathReason)

	result := "deny"
	if decision.Allowed {
		result = "allow"
	} else if decision.Escalated {
		result = "escalate"
	}
	metrics.RecordCapabilityInvocation(req.CapabilityID, result)

	ctxJSON, _ := json.Marshal(req.Context)
	if err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO capability_invocations (agent_id, capability_id, context_json, result, rationale, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, req.AgentID, req.CapabilityID, string(ctxJSON), result, decision.Reason, store.Now())
		return err
	}); err != nil {
		return Decision{}, fmt.Errorf("record invocation: %w", err)
	}

	if decision.Escalated {
		escID, err := r.createEscalation(ctx, req)
		if err != nil {
			return Decision{}, err
		}
		decision.EscalationID = escID
	}

	return decision, nil
}

// evaluate runs the authorization decision for one call: forbidden set
// (step 2), tier ceiling (step 3), allow set, grant lookup (step 4), and
// call-path validity (step 5), in that order — any failing step either
// denies or, for an agent whose escalation_policy isn't deny, escalates.
func (r *Registry) evaluate(agent Agent, req CheckRequest, def Definition, granted, pathValid bool, pathReason string) Decision {
	for _, forbidden := range agent.ForbiddenCapabilities {
		if matchGlob(forbidden, req.CapabilityID) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("capability %q matches forbidden pattern %q", req.CapabilityID, forbidden)}
		}
	}

	ceiling := tierCeiling(agent.Tier)
	if def.Level == "admin" {
		if !granted {
			return r.escalateOrDeny(agent, fmt.Sprintf("capability %q is level admin, which requires an explicit grant regardless of tier", req.CapabilityID))
		}
	} else if levelRank[def.Level] > levelRank[ceiling] {
		return r.escalateOrDeny(agent, fmt.Sprintf("agent tier %d (ceiling %q) is insufficient for capability %q at level %q", agent.Tier, ceiling, req.CapabilityID, def.Level))
	}

	allowed := len(agent.AllowedCapabilities) == 0
	for _, pattern := range agent.AllowedCapabilities {
		if matchGlob(pattern, req.CapabilityID) {
			allowed = true
			break
		}
	}
	if !allowed {
		return r.escalateOrDeny(agent, "capability not in agent allow-list")
	}

	if def.Level != "none" && !granted {
		return r.escalateOrDeny(agent, fmt.Sprintf("no active, in-scope grant for capability %q", req.CapabilityID))
	}

	if !pathValid {
		return Decision{Allowed: false, Reason: pathReason}
	}

	return Decision{Allowed: true, Reason: "allowed by agent capability profile, tier ceiling, and active grant"}
}

// escalateOrDeny applies step 6: on insufficient privilege, an agent
// whose escalation_policy is anything but deny gets an escalation
// request instead of an outright denial.
func (r *Registry) escalateOrDeny(agent Agent, reason string) Decision {
	if agent.EscalationPolicy != "" && agent.EscalationPolicy != "deny" {
		return Decision{Allowed: false, Escalated: true, Reason: reason + "; escalated for review"}
	}
	return Decision{Allowed: false, Reason: reason}
}

// matchGlob supports a trailing "*" suffix wildcard, e.g. "fs.write.*"
// matches "fs.write.tmp". Anything more elaborate belongs in the policy
// engine, not in the capability allow/forbid lists.
func matchGlob(pattern, capabilityID string) bool {
	if pattern == capabilityID {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(capabilityID, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// latestDefinition loads the newest registered version of capabilityID.
// An unregistered capability is treated as level "none", which passes
// every tier ceiling and needs no grant; only the agent's allow/forbid
// lists and the call path check still apply to it.
func (r *Registry) latestDefinition(ctx context.Context, capabilityID string) (Definition, error) {
	var d Definition
	err := r.st.DB().QueryRowContext(ctx, `
		SELECT capability_id, domain, level, version FROM capability_definitions
		WHERE capability_id = ? ORDER BY version DESC LIMIT 1
	`, capabilityID).Scan(&d.CapabilityID, &d.Domain, &d.Level, &d.Version)
	if err == sql.ErrNoRows {
		return Definition{CapabilityID: capabilityID, Level: "none"}, nil
	}
	if err != nil {
		return Definition{}, fmt.Errorf("load capability definition %s: %w", capabilityID, err)
	}
	return d, nil
}

// hasActiveGrant reports whether agentID holds a non-expired, non-revoked
// grant for capabilityID whose scope covers reqContext.
func (r *Registry) hasActiveGrant(ctx context.Context, agentID, capabilityID string, reqContext map[string]any) (bool, error) {
	rows, err := r.st.DB().QueryContext(ctx, `
		SELECT scope_json FROM capability_grants
		WHERE agent_id = ? AND capability_id = ? AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)
	`, agentID, capabilityID, store.Now())
	if err != nil {
		return false, fmt.Errorf("load grants for %s/%s: %w", agentID, capabilityID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var scopeJSON string
		if err := rows.Scan(&scopeJSON); err != nil {
			return false, err
		}
		var scope map[string]any
		_ = json.Unmarshal([]byte(scopeJSON), &scope)
		if grantInScope(scope, reqContext) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// grantInScope reports whether every key a grant's scope constrains is
// present and equal in the request context. An unscoped grant (empty
// scope) covers any context.
func grantInScope(scope, reqContext map[string]any) bool {
	for k, v := range scope {
		cv, ok := reqContext[k]
		if !ok || fmt.Sprint(cv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (r *Registry) loadAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	var allowedJSON, forbiddenJSON string
	err := r.st.DB().QueryRowContext(ctx, `
		SELECT agent_id, tier, allowed_capabilities, forbidden_capabilities, escalation_policy
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&a.AgentID, &a.Tier, &allowedJSON, &forbiddenJSON, &a.EscalationPolicy)
	if err == sql.ErrNoRows {
		// An agent with no profile row gets the conservative default: no
		// capabilities allowed, deny on the miss rather than escalate.
		return Agent{AgentID: agentID, ForbiddenCapabilities: []string{"*"}, EscalationPolicy: "deny"}, nil
	}
	if err != nil {
		return Agent{}, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	_ = json.Unmarshal([]byte(allowedJSON), &a.AllowedCapabilities)
	_ = json.Unmarshal([]byte(forbiddenJSON), &a.ForbiddenCapabilities)
	return a, nil
}

// recordCallPath validates req.CallStack plus the capability being
// invoked as a legal call path and records the validation regardless of
// outcome. Two independent checks must both hold: no capability may
// (transitively) call itself, and the path may never show a
// decision-domain capability calling straight into an action-domain one
// — an action may only be reached after its decision has been frozen
// AND routed through governance, so Decision -> Action with no
// Governance in between is rejected.
func (r *Registry) recordCallPath(ctx context.Context, req CheckRequest) (valid bool, reason string, err error) {
	full := append(append([]string{}, req.CallStack...), req.CapabilityID)

	valid = true
	seen := map[string]bool{}
	for _, c := range full {
		if seen[c] {
			valid = false
			reason = fmt.Sprintf("capability %q appears twice in call stack", c)
			break
		}
		seen[c] = true
	}

	if valid {
		domains, derr := r.domainsOf(ctx, full)
		if derr != nil {
			return false, "", derr
		}
		for i := 0; i < len(full)-1; i++ {
			if domains[full[i]] == "decision" && domains[full[i+1]] == "action" {
				valid = false
				reason = fmt.Sprintf("call path invalid: %q (decision) -> %q (action) skips governance", full[i], full[i+1])
				break
			}
		}
	}

	stackJSON, _ := json.Marshal(full)
	validInt := 0
	if valid {
		validInt = 1
	}
	err = r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO capability_call_paths (session_id, call_stack_json, path_valid, reason, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, req.TaskID, string(stackJSON), validInt, reason, store.Now())
		return err
	})
	return valid, reason, err
}

// domainsOf looks up each capability ID's registered domain, used to
// classify call-path edges by their Decision/Governance/Action shape. An
// ID with no definition maps to the empty string, which matches neither
// "decision" nor "action" and so never trips the path-shape check.
func (r *Registry) domainsOf(ctx context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		var domain string
		err := r.st.DB().QueryRowContext(ctx, `
			SELECT domain FROM capability_definitions WHERE capability_id = ? ORDER BY version DESC LIMIT 1
		`, id).Scan(&domain)
		if err == sql.ErrNoRows {
			out[id] = ""
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load capability domain %s: %w", id, err)
		}
		out[id] = domain
	}
	return out, nil
}

func (r *Registry) createEscalation(ctx context.Context, req CheckRequest) (string, error) {
	id := store.NewID("esc")
	err := r.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO escalation_requests (id, task_id, capability_id, agent_id, status, requested_at)
			VALUES (?, ?, ?, ?, 'pending', ?)
		`, id, req.TaskID, req.CapabilityID, req.AgentID, store.Now())
		return err
	})
	return id, err
}

// Decide resolves a pending escalation request.
func (r *Registry) Decide(ctx context.Context, escalationID, decidedBy, decision, reason string) error {
	return r.st.Write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE escalation_requests SET status = ?, decided_at = ?, decided_by = ?, reason = ?
			WHERE id = ? AND status = 'pending'
		`, decision, store.Now(), decidedBy, reason, escalationID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return kernelerr.New(kernelerr.CodePathInvalid, "escalation not pending or not found", nil)
		}
		return nil
	})
}
