// Package checkpoint gives a task runner a way to durably snapshot its
// progress and resume from the last good point after a crash, and gives
// the kernel an idempotency-key store so retried requests never apply
// twice.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/kernelerr"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

// Checkpoint is one durable snapshot of a task's progress.
type Checkpoint struct {
	TaskID         string
	SequenceNumber int64
	WorkItemID     string
	Type           string
	Snapshot       json.RawMessage
	CreatedAt      time.Time
}

// Store owns checkpoints and idempotency keys.
type Store struct {
	st  *store.Store
	log *zap.Logger
}

// New constructs a checkpoint Store backed by st.
func New(st *store.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{st: st, log: log.Named("checkpoint")}
}

// Save writes a new checkpoint for taskID at the next dense sequence
// number (the highest existing sequence_number for this task, plus one),
// so recovery can always find "the last checkpoint" with a single MAX
// query instead of tracking a counter table per task.
func (s *Store) Save(ctx context.Context, taskID, workItemID, checkpointType string, snapshot json.RawMessage) (Checkpoint, error) {
	var cp Checkpoint
	err := s.st.WriteTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence_number) FROM checkpoints WHERE task_id = ?`, taskID,
		).Scan(&maxSeq); err != nil {
			return fmt.Errorf("load max checkpoint seq: %w", err)
		}
		seq := int64(1)
		if maxSeq.Valid {
			seq = maxSeq.Int64 + 1
		}
		now := store.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (task_id, sequence_number, work_item_id, checkpoint_type, snapshot_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, taskID, seq, workItemID, checkpointType, string(snapshot), now); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		cp = Checkpoint{TaskID: taskID, SequenceNumber: seq, WorkItemID: workItemID, Type: checkpointType, Snapshot: snapshot}
		return nil
	})
	return cp, err
}

// Latest returns the highest-sequence checkpoint for a task, or
// ErrCheckpointInvalid if the task has none.
func (s *Store) Latest(ctx context.Context, taskID string) (Checkpoint, error) {
	var cp Checkpoint
	var snapshot, createdAt string
	var workItemID sql.NullString
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT task_id, sequence_number, COALESCE(work_item_id,''), checkpoint_type, snapshot_json, created_at
		FROM checkpoints WHERE task_id = ? ORDER BY sequence_number DESC LIMIT 1
	`, taskID).Scan(&cp.TaskID, &cp.SequenceNumber, &workItemID, &cp.Type, &snapshot, &createdAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, kernelerr.ErrCheckpointInvalid
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	cp.WorkItemID = workItemID.String
	cp.Snapshot = json.RawMessage(snapshot)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		cp.CreatedAt = t
	}
	return cp, nil
}

// IdempotencyResult is what the caller should do with a request carrying
// an idempotency key.
type IdempotencyResult struct {
	// Replay is true when this key was already completed; Response holds
	// the previously recorded response and the caller should return it
	// as-is instead of re-executing anything.
	Replay   bool
	Response json.RawMessage
}

// BeginIdempotent registers key for a request with the given requestHash
// (a digest of the request body), or detects that the key was already
// used. If the key exists with a different request_hash, it returns
// ErrIdempotencyMismatch — the same key must never be reused for a
// logically different request. If the key already completed, it returns
// a replay of the recorded response. Otherwise the caller should proceed
// and call Complete when done.
func (s *Store) BeginIdempotent(ctx context.Context, key, requestHash string, ttl time.Duration) (IdempotencyResult, error) {
	var result IdempotencyResult
	err := s.st.WriteTx(ctx, func(tx *sql.Tx) error {
		var existingHash, status string
		var response sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT request_hash, status, response_json FROM idempotency_keys WHERE key = ?`, key,
		).Scan(&existingHash, &status, &response)
		if err == sql.ErrNoRows {
			expires := time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (key, request_hash, status, created_at, expires_at)
				VALUES (?, ?, 'pending', ?, ?)
			`, key, requestHash, store.Now(), expires)
			return err
		}
		if err != nil {
			return fmt.Errorf("load idempotency key: %w", err)
		}
		if existingHash != requestHash {
			return kernelerr.ErrIdempotencyMismatch
		}
		if status == "completed" {
			result.Replay = true
			if response.Valid {
				result.Response = json.RawMessage(response.String)
			}
		}
		return nil
	})
	return result, err
}

// Complete records the response for an idempotency key once its request
// has actually finished processing.
func (s *Store) Complete(ctx context.Context, key string, response json.RawMessage) error {
	return s.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE idempotency_keys SET status = 'completed', response_json = ?, completed_at = ?
			WHERE key = ?
		`, string(response), store.Now(), key)
		return err
	})
}
