// Package trust tracks the EARNING -> STABLE -> DEGRADING -> EARNING
// trajectory for each (extension, action) pair: how much autonomy an
// extension has earned to perform a given action without escalation,
// based on its recent track record of policy rejections versus
// consecutive clean executions. The state machine's legal transitions
// are enforced twice — once here in Go, and once by the schema's
// trg_trust_state_cycle trigger — so a bug in one layer can't silently
// produce an illegal trajectory.
package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// State is a point in the trust trajectory.
type State string

const (
	StateEarning    State = "EARNING"
	StateStable     State = "STABLE"
	StateDegrading  State = "DEGRADING"
)

const (
	// stableAfterSuccesses is how many consecutive clean executions move
	// an extension/action pair from EARNING to STABLE.
	stableAfterSuccesses = 10
	// degradeAfterRejections is how many policy rejections move a STABLE
	// pair down to DEGRADING — any rejection at all counts.
	degradeAfterRejections = 1
	// reEarnAfterSuccesses is how many consecutive clean executions (with
	// zero rejections since the last one) move a DEGRADING pair back up
	// to EARNING.
	reEarnAfterSuccesses = 5
)

// Snapshot is an extension/action pair's current trust state.
type Snapshot struct {
	ExtensionID          string
	ActionID             string
	State                State
	ConsecutiveSuccesses int
	PolicyRejections     int
}

// Tracker owns the trust_state table and records every transition.
type Tracker struct {
	st  *store.Store
	log *zap.Logger
}

// New constructs a trust Tracker backed by st.
func New(st *store.Store, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{st: st, log: log.Named("trust")}
}

// Get loads the current snapshot for an extension/action pair, defaulting
// to a fresh EARNING state if none exists yet.
func (t *Tracker) Get(ctx context.Context, extensionID, actionID string) (Snapshot, error) {
	var s Snapshot
	err := t.st.DB().QueryRowContext(ctx, `
		SELECT extension_id, action_id, state, consecutive_successes, policy_rejections
		FROM trust_state WHERE extension_id = ? AND action_id = ?
	`, extensionID, actionID).Scan(&s.ExtensionID, &s.ActionID, &s.State, &s.ConsecutiveSuccesses, &s.PolicyRejections)
	if err == sql.ErrNoRows {
		return Snapshot{ExtensionID: extensionID, ActionID: actionID, State: StateEarning}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load trust state: %w", err)
	}
	return s, nil
}

// RecordSuccess registers a clean execution for extensionID/actionID,
// possibly promoting EARNING -> STABLE once the streak is long enough,
// or DEGRADING -> EARNING once the pair has gone reEarnAfterSuccesses
// consecutive executions with zero rejections.
func (t *Tracker) RecordSuccess(ctx context.Context, extensionID, actionID string, riskContext, policyContext json.RawMessage) (Snapshot, error) {
	return t.transition(ctx, extensionID, actionID, riskContext, policyContext, func(s *Snapshot) string {
		s.ConsecutiveSuccesses++
		s.PolicyRejections = 0
		switch s.State {
		case StateEarning:
			if s.ConsecutiveSuccesses >= stableAfterSuccesses {
				return "consecutive_successes_threshold"
			}
		case StateDegrading:
			if s.ConsecutiveSuccesses >= reEarnAfterSuccesses {
				return "consecutive_successes_clean"
			}
		}
		return ""
	})
}

// RecordRejection registers a policy rejection (including an unexpected
// side effect, which the Action Executor treats as a rejection-grade
// signal) for extensionID/actionID. Any single rejection against a
// STABLE pair demotes it to DEGRADING — the only way back up is a clean
// run of RecordSuccess calls, never more rejections.
func (t *Tracker) RecordRejection(ctx context.Context, extensionID, actionID string, riskContext, policyContext json.RawMessage) (Snapshot, error) {
	return t.transition(ctx, extensionID, actionID, riskContext, policyContext, func(s *Snapshot) string {
		s.PolicyRejections++
		s.ConsecutiveSuccesses = 0
		if s.State == StateStable && s.PolicyRejections >= degradeAfterRejections {
			return "policy_rejection_threshold"
		}
		return ""
	})
}

// nextState is the only place the fixed EARNING->STABLE->DEGRADING->EARNING
// cycle is encoded on the Go side, matching the schema trigger.
func nextState(current State) State {
	switch current {
	case StateEarning:
		return StateStable
	case StateStable:
		return StateDegrading
	case StateDegrading:
		return StateEarning
	default:
		return StateEarning
	}
}

func (t *Tracker) transition(ctx context.Context, extensionID, actionID string, riskContext, policyContext json.RawMessage, mutate func(*Snapshot) string) (Snapshot, error) {
	var result Snapshot
	err := t.st.WriteTx(ctx, func(tx *sql.Tx) error {
		s, err := t.loadForUpdate(ctx, tx, extensionID, actionID)
		if err != nil {
			return err
		}
		old := s.State
		triggerEvent := mutate(&s)
		advanced := triggerEvent != ""
		if advanced {
			s.State = nextState(old)
			s.ConsecutiveSuccesses = 0
			s.PolicyRejections = 0
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trust_state (extension_id, action_id, state, consecutive_successes, policy_rejections, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(extension_id, action_id) DO UPDATE SET
				state = excluded.state,
				consecutive_successes = excluded.consecutive_successes,
				policy_rejections = excluded.policy_rejections,
				updated_at = excluded.updated_at
		`, extensionID, actionID, string(s.State), s.ConsecutiveSuccesses, s.PolicyRejections, store.Now()); err != nil {
			return fmt.Errorf("upsert trust state: %w", err)
		}

		if advanced {
			if riskContext == nil {
				riskContext = []byte("{}")
			}
			if policyContext == nil {
				policyContext = []byte("{}")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO trust_transitions
					(extension_id, action_id, old_state, new_state, trigger_event, explain, risk_context_json, policy_context_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, extensionID, actionID, string(old), string(s.State), triggerEvent,
				fmt.Sprintf("%s -> %s via %s", old, s.State, triggerEvent),
				string(riskContext), string(policyContext), store.Now()); err != nil {
				return fmt.Errorf("record trust transition: %w", err)
			}
		}

		result = s
		return nil
	})
	return result, err
}

// loadForUpdate reads the current row within tx so the read and the
// subsequent upsert are part of the same serialized write, which matters
// because the store only ever has one writer goroutine in flight at a
// time — this just keeps the read/modify/write atomic in intent, not
// just in fact.
func (t *Tracker) loadForUpdate(ctx context.Context, tx *sql.Tx, extensionID, actionID string) (Snapshot, error) {
	var s Snapshot
	err := tx.QueryRowContext(ctx, `
		SELECT extension_id, action_id, state, consecutive_successes, policy_rejections
		FROM trust_state WHERE extension_id = ? AND action_id = ?
	`, extensionID, actionID).Scan(&s.ExtensionID, &s.ActionID, &s.State, &s.ConsecutiveSuccesses, &s.PolicyRejections)
	if err == sql.ErrNoRows {
		return Snapshot{ExtensionID: extensionID, ActionID: actionID, State: StateEarning}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load trust state for update: %w", err)
	}
	return s, nil
}

// InheritedTier computes the autonomy tier an extension may exercise for
// a new, never-before-seen action, weighted by how much trust it has
// earned on similar actions within the same domain. Weight is 1.0 for a
// same-domain STABLE action, 0.5 for EARNING, and 0 for DEGRADING —
// degrading trust never transfers, since the whole point of degrading is
// that recent behavior on this domain was not reliable.
func InheritedTier(related []Snapshot) float64 {
	if len(related) == 0 {
		return 0
	}
	var sum float64
	for _, s := range related {
		switch s.State {
		case StateStable:
			sum += 1.0
		case StateEarning:
			sum += 0.5
		case StateDegrading:
			sum += 0
		}
	}
	return sum / float64(len(related))
}
