package capability

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, zap.NewNop()), st
}

func seedAgent(t *testing.T, st *store.Store, agentID string, tier int, allowed, forbidden []string, escalation string) {
	t.Helper()
	ctx := context.Background()
	allowedJSON := `[]`
	if len(allowed) > 0 {
		allowedJSON = `["` + join(allowed) + `"]`
	}
	forbiddenJSON := `[]`
	if len(forbidden) > 0 {
		forbiddenJSON = `["` + join(forbidden) + `"]`
	}
	if err := st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, tier, allowed_capabilities, forbidden_capabilities, escalation_policy, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, agentID, tier, allowedJSON, forbiddenJSON, escalation, store.Now(), store.Now())
		return err
	}); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func join(items []string) string {
	out := items[0]
	for _, i := range items[1:] {
		out += `","` + i
	}
	return out
}

func TestCheckDeniesCapabilityAboveTierCeiling(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-1", 1, nil, nil, "deny") // tier 1 ceilings at "read"
	if err := r.Define(ctx, Definition{CapabilityID: "fs.write", Domain: "action", Level: "write", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-1", CapabilityID: "fs.write"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected tier 1 agent to be denied a write-level capability")
	}
}

func TestCheckAllowsWithinTierCeilingAndGrant(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-2", 3, nil, nil, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "fs.write", Domain: "action", Level: "write", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}
	if _, err := r.Grant(ctx, "agent-2", "fs.write", nil, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-2", CapabilityID: "fs.write"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got denial: %s", d.Reason)
	}
}

func TestCheckDeniesUngrantedNonNoneLevel(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-3", 3, nil, nil, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "fs.write", Domain: "action", Level: "write", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}
	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-3", CapabilityID: "fs.write"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial with no active grant even within tier ceiling")
	}
}

func TestCheckRequiresExplicitGrantForAdminRegardlessOfTier(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-4", 3, nil, nil, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "governance.override", Domain: "governance", Level: "admin", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}
	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-4", CapabilityID: "governance.override"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected tier 3 agent to still be denied an admin capability with no grant")
	}

	if _, err := r.Grant(ctx, "agent-4", "governance.override", nil, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}
	d, err = r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-4", CapabilityID: "governance.override"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected grant to authorize the admin capability, got: %s", d.Reason)
	}
}

func TestCheckForbiddenOverridesAllowed(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-5", 2, []string{"fs.*"}, []string{"fs.write.secrets"}, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "fs.write.secrets", Domain: "action", Level: "propose", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}
	if _, err := r.Grant(ctx, "agent-5", "fs.write.secrets", nil, nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-5", CapabilityID: "fs.write.secrets"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected forbidden pattern to win even though the capability is both allowed and granted")
	}
}

func TestCheckEscalatesInsteadOfDenyingWhenPolicyAllows(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-6", 1, nil, nil, "request_approval")
	if err := r.Define(ctx, Definition{CapabilityID: "fs.write", Domain: "action", Level: "write", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "agent-6", CapabilityID: "fs.write"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || !d.Escalated {
		t.Fatalf("expected escalation, got allowed=%v escalated=%v", d.Allowed, d.Escalated)
	}
	if d.EscalationID == "" {
		t.Fatal("expected an escalation_id to be recorded")
	}
}

func TestCallPathRejectsDecisionCallingActionDirectly(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-7", 3, nil, nil, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "decision.freeze", Domain: "decision", Level: "propose", Version: 1}); err != nil {
		t.Fatalf("define decision cap: %v", err)
	}
	if err := r.Define(ctx, Definition{CapabilityID: "action.execute", Domain: "action", Level: "none", Version: 1}); err != nil {
		t.Fatalf("define action cap: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{
		TaskID: "task-1", AgentID: "agent-7", CapabilityID: "action.execute",
		CallStack: []string{"decision.freeze"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected Decision -> Action with no Governance hop to be rejected")
	}
}

func TestCallPathAllowsDecisionThroughGovernanceToAction(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-8", 3, nil, nil, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "decision.freeze", Domain: "decision", Level: "propose", Version: 1}); err != nil {
		t.Fatalf("define decision cap: %v", err)
	}
	if err := r.Define(ctx, Definition{CapabilityID: "governance.approve", Domain: "governance", Level: "none", Version: 1}); err != nil {
		t.Fatalf("define governance cap: %v", err)
	}
	if err := r.Define(ctx, Definition{CapabilityID: "action.execute", Domain: "action", Level: "none", Version: 1}); err != nil {
		t.Fatalf("define action cap: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{
		TaskID: "task-1", AgentID: "agent-8", CapabilityID: "action.execute",
		CallStack: []string{"decision.freeze", "governance.approve"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected Decision -> Governance -> Action to be legal, got denial: %s", d.Reason)
	}
}

func TestCallPathRejectsRepeatedCapabilityInStack(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	seedAgent(t, st, "agent-9", 3, nil, nil, "deny")
	if err := r.Define(ctx, Definition{CapabilityID: "action.execute", Domain: "action", Level: "none", Version: 1}); err != nil {
		t.Fatalf("define: %v", err)
	}

	d, err := r.Check(ctx, CheckRequest{
		TaskID: "task-1", AgentID: "agent-9", CapabilityID: "action.execute",
		CallStack: []string{"action.execute"},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected a self-referencing call stack to be rejected as a cycle")
	}
}

func TestUndefinedAgentDefaultsToDeny(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	d, err := r.Check(ctx, CheckRequest{TaskID: "task-1", AgentID: "ghost", CapabilityID: "fs.read"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected an agent with no profile row to be denied")
	}
}
