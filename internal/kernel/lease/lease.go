// Package lease manages exclusive ownership of work items. Acquiring a
// lease is an atomic conditional UPDATE rather than the in-memory
// request/target bookkeeping a fleet scheduler would use, because a
// lease owner here is an external agent process the kernel does not
// control and may simply vanish without ever reporting back.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// Manager acquires, renews, and sweeps work item leases against the
// store's work_items table.
type Manager struct {
	st  *store.Store
	log *zap.Logger
	ttl time.Duration
}

// New constructs a lease Manager. ttl is the lease duration that Acquire
// and Heartbeat set on every lease.
func New(st *store.Store, log *zap.Logger, ttl time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{st: st, log: log.Named("lease"), ttl: ttl}
}

// Lease describes an acquired work item lease.
type Lease struct {
	WorkItemID string
	TaskID     string
	Owner      string
	ExpiresAt  time.Time
}

// Acquire attempts to take ownership of workItemID for owner. It succeeds
// only if the item is pending, or its previous lease has already expired
// — the UPDATE's WHERE clause is the single point of truth for that
// check, so two callers racing to acquire the same item can never both
// succeed.
func (m *Manager) Acquire(ctx context.Context, workItemID, owner string) (*Lease, error) {
	now := time.Now().UTC()
	expires := now.Add(m.ttl)
	var taskID string

	err := m.st.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'leased',
			    lease_owner = ?,
			    lease_acquired_at = ?,
			    lease_expires_at = ?,
			    lease_heartbeat_at = ?,
			    updated_at = ?
			WHERE work_item_id = ?
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at < ?))
		`, owner, store.Now(), expires.Format(time.RFC3339Nano), store.Now(), store.Now(),
			workItemID, store.Now())
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return kernelerr.ErrLeaseLost
		}
		return tx.QueryRowContext(ctx,
			`SELECT task_id FROM work_items WHERE work_item_id = ?`, workItemID,
		).Scan(&taskID)
	})
	if err != nil {
		return nil, err
	}

	m.log.Debug("lease acquired", zap.String("work_item_id", workItemID), zap.String("owner", owner))
	return &Lease{WorkItemID: workItemID, TaskID: taskID, Owner: owner, ExpiresAt: expires}, nil
}

// Heartbeat extends an already-held lease. It fails with ErrLeaseLost if
// owner no longer holds the lease (expired and reclaimed, or released).
func (m *Manager) Heartbeat(ctx context.Context, workItemID, owner string) (time.Time, error) {
	expires := time.Now().UTC().Add(m.ttl)
	err := m.st.Write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE work_items
			SET lease_expires_at = ?, lease_heartbeat_at = ?, updated_at = ?
			WHERE work_item_id = ? AND status = 'leased' AND lease_owner = ?
		`, expires.Format(time.RFC3339Nano), store.Now(), store.Now(), workItemID, owner)
		if err != nil {
			return fmt.Errorf("heartbeat lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return kernelerr.ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// Release sets a work item's status to finalStatus (for example pending
// to hand it back, or done/failed to finish it) and clears its lease
// fields.
func (m *Manager) Release(ctx context.Context, workItemID, owner, finalStatus string) error {
	return m.st.Write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?,
			    lease_owner = NULL,
			    lease_acquired_at = NULL,
			    lease_expires_at = NULL,
			    lease_heartbeat_at = NULL,
			    updated_at = ?
			WHERE work_item_id = ? AND lease_owner = ?
		`, finalStatus, store.Now(), workItemID, owner)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return kernelerr.ErrLeaseLost
		}
		return nil
	})
}

// Expired is a work item whose lease has lapsed, found by Sweep.
type Expired struct {
	WorkItemID string
	TaskID     string
	RetryCount int
}

// Sweep finds leased work items whose lease_expires_at has passed, resets
// them to pending so another owner can acquire them, and increments their
// retry_count. It returns the items it reclaimed so the caller (the task
// runner's recovery path) can emit lease_reclaimed events and check
// retry/iteration ceilings.
func (m *Manager) Sweep(ctx context.Context) ([]Expired, error) {
	var reclaimed []Expired
	err := m.st.WriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT work_item_id, task_id, retry_count
			FROM work_items
			WHERE status = 'leased' AND lease_expires_at < ?
		`, store.Now())
		if err != nil {
			return fmt.Errorf("find expired leases: %w", err)
		}
		var items []Expired
		for rows.Next() {
			var e Expired
			if err := rows.Scan(&e.WorkItemID, &e.TaskID, &e.RetryCount); err != nil {
				rows.Close()
				return err
			}
			items = append(items, e)
		}
		rows.Close()

		for _, e := range items {
			_, err := tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = 'pending',
				    lease_owner = NULL,
				    lease_acquired_at = NULL,
				    lease_expires_at = NULL,
				    lease_heartbeat_at = NULL,
				    retry_count = retry_count + 1,
				    updated_at = ?
				WHERE work_item_id = ?
			`, store.Now(), e.WorkItemID)
			if err != nil {
				return fmt.Errorf("reclaim %s: %w", e.WorkItemID, err)
			}
			e.RetryCount++
			reclaimed = append(reclaimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		m.log.Info("swept expired leases", zap.Int("count", len(reclaimed)))
	}
	return reclaimed, nil
}

// SweepLoop runs Sweep on a standard 5-field cron schedule (e.g.
// "* * * * *" for once a minute) until ctx is canceled. onReclaim, if
// non-nil, is called with each batch of reclaimed items so the task
// runner can emit lease_reclaimed events and act on retry ceilings.
func (m *Manager) SweepLoop(ctx context.Context, schedule string, onReclaim func([]Expired)) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("parse sweep schedule: %w", err)
	}

	next := sched.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			reclaimed, err := m.Sweep(ctx)
			if err != nil {
				m.log.Warn("lease sweep failed", zap.Error(err))
			} else if onReclaim != nil && len(reclaimed) > 0 {
				onReclaim(reclaimed)
			}
			next = sched.Next(time.Now())
		}
	}
}
