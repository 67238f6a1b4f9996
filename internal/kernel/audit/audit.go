// Package audit records why a kernel operation failed: every
// kernelerr.KernelError that reaches a request boundary is written to
// task_audits, keyed by the error's stable Code, so a reviewer can
// answer "what went wrong with this task" without grepping logs.
package audit

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

// Entry is one recorded audit row.
type Entry struct {
	ID        int64
	TaskID    string
	ErrorCode string
	Message   string
	Context   json.RawMessage
	CreatedAt time.Time
}

// Log owns the task_audits table.
type Log struct {
	st  *store.Store
	log *zap.Logger
}

// New constructs an audit Log backed by st.
func New(st *store.Store, log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{st: st, log: log.Named("audit")}
}

// Record writes one audit entry for taskID. taskID may be empty for
// errors that occur before a task exists (e.g. a malformed intake
// request).
func (l *Log) Record(ctx context.Context, taskID string, errorCode, message string, context map[string]any) error {
	ctxJSON, _ := json.Marshal(context)
	if ctxJSON == nil {
		ctxJSON = []byte("{}")
	}
	var taskVal any
	if taskID != "" {
		taskVal = taskID
	}
	return l.st.Write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO task_audits (task_id, error_code, message, context_json, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, taskVal, errorCode, message, string(ctxJSON), store.Now())
		return err
	})
}

// RecordErr extracts the Code/Context from err if it is a
// *kernelerr.KernelError (walking the error chain), falling back to a
// generic "ERROR_UNKNOWN" code for plain errors so every failure path
// still leaves a trail.
func (l *Log) RecordErr(ctx context.Context, taskID string, err error) error {
	if err == nil {
		return nil
	}
	code := "ERROR_UNKNOWN"
	message := err.Error()
	var kctx map[string]any
	var kerr *kernelerr.KernelError
	for e := err; e != nil; {
		if ke, ok := e.(*kernelerr.KernelError); ok {
			kerr = ke
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if kerr != nil {
		code = string(kerr.Code)
		message = kerr.Message
		kctx = kerr.Context
	}
	return l.Record(ctx, taskID, code, message, kctx)
}

// ForTask returns the most recent audit entries for a task, newest first.
func (l *Log) ForTask(ctx context.Context, taskID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.st.DB().QueryContext(ctx, `
		SELECT id, COALESCE(task_id,''), error_code, message, context_json, created_at
		FROM task_audits WHERE task_id = ? ORDER BY id DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task audits: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var ctxJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ErrorCode, &e.Message, &ctxJSON, &createdAt); err != nil {
			return nil, err
		}
		e.Context = json.RawMessage(ctxJSON)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
