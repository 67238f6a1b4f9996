// Package eventlog is the kernel's durable, strictly-ordered record of
// everything that happens to a task: one monotonically increasing seq
// per task_id, every event span-tagged so a task's execution forms a
// span tree, and a live fan-out path for callers that want to watch a
// task as it runs instead of polling.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

var tracer = otel.Tracer("taskkernel/eventlog")

// Event is one row of the task_events table.
type Event struct {
	TaskID       string
	Seq          int64
	EventType    string
	Phase        string
	Actor        string
	SpanID       string
	ParentSpanID string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// Log is the durable append-only event log for all tasks.
type Log struct {
	st   *store.Store
	log  *zap.Logger
	live *liveBus
}

// New constructs an event Log backed by st.
func New(st *store.Store, log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{st: st, log: log.Named("eventlog"), live: newLiveBus(128)}
}

// AppendInput describes one event to record.
type AppendInput struct {
	TaskID       string
	EventType    string
	Phase        string
	Actor        string
	ParentSpanID string // empty starts a new root span for this event
	Payload      any
}

// Append allocates the next seq for TaskID and durably writes the event
// inside a transaction (ensure the task's next_seq row exists, then one
// UPDATE ... RETURNING that increments it and yields the allocated seq,
// mirroring how the lease manager treats a conditional UPDATE as the
// single point of truth instead of doing the increment in Go and racing
// another writer). Every event also opens or joins an OTel span so a
// task's events show up as a span tree in a trace backend, not just as
// SQLite rows.
func (l *Log) Append(ctx context.Context, in AppendInput) (Event, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if payload == nil {
		payload = []byte("{}")
	}

	spanCtx, span := tracer.Start(ctx, in.EventType, trace.WithAttributes(
		attribute.String("task_id", in.TaskID),
		attribute.String("phase", in.Phase),
		attribute.String("actor", in.Actor),
	))
	defer span.End()
	spanID := span.SpanContext().SpanID().String()
	_ = spanCtx

	var evt Event
	err = l.st.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_event_seq (task_id, next_seq) VALUES (?, 1)
			 ON CONFLICT(task_id) DO NOTHING`, in.TaskID); err != nil {
			return fmt.Errorf("ensure seq row: %w", err)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE task_event_seq SET next_seq = next_seq + 1
			 WHERE task_id = ? RETURNING next_seq - 1`, in.TaskID,
		).Scan(&seq); err != nil {
			return fmt.Errorf("allocate seq: %w", err)
		}

		now := store.Now()
		var parent any
		if in.ParentSpanID != "" {
			parent = in.ParentSpanID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events
				(task_id, seq, event_type, phase, actor, span_id, parent_span_id, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, in.TaskID, seq, in.EventType, in.Phase, in.Actor, spanID, parent, string(payload), now); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		evt = Event{
			TaskID: in.TaskID, Seq: seq, EventType: in.EventType, Phase: in.Phase,
			Actor: in.Actor, SpanID: spanID, ParentSpanID: in.ParentSpanID,
			Payload: payload,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Event{}, err
	}

	l.live.publish(evt)
	return evt, nil
}

// Since returns every event for taskID with seq > afterSeq, oldest first.
func (l *Log) Since(ctx context.Context, taskID string, afterSeq int64) ([]Event, error) {
	rows, err := l.st.DB().QueryContext(ctx, `
		SELECT task_id, seq, event_type, phase, actor, span_id, parent_span_id, payload_json, created_at
		FROM task_events WHERE task_id = ? AND seq > ? ORDER BY seq ASC
	`, taskID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SpanTree returns every event belonging to the span tree rooted at
// rootSpanID: the root event plus all events whose parent_span_id chain
// eventually leads back to it.
func (l *Log) SpanTree(ctx context.Context, taskID, rootSpanID string) ([]Event, error) {
	all, err := l.Since(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	inTree := map[string]bool{rootSpanID: true}
	var out []Event
	// Events are seq-ordered, i.e. causally ordered, so a single forward
	// pass is enough to discover every descendant span before it's needed.
	for _, e := range all {
		if inTree[e.SpanID] || (e.ParentSpanID != "" && inTree[e.ParentSpanID]) {
			inTree[e.SpanID] = true
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail blocks until a new event for taskID arrives, ctx is canceled, or
// timeout elapses, returning any events with seq > afterSeq. It
// subscribes to the live bus first so it cannot miss an event that
// arrives between the initial Since check and the subscribe call.
func (l *Log) Tail(ctx context.Context, taskID string, afterSeq int64, timeout time.Duration) ([]Event, error) {
	subID := uuid.NewString()
	ch := l.live.subscribe(taskID, subID)
	defer l.live.unsubscribe(taskID, subID)

	pending, err := l.Since(ctx, taskID, afterSeq)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case _, ok := <-ch:
		if !ok {
			return nil, nil
		}
		return l.Since(ctx, taskID, afterSeq)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var parent sql.NullString
		var payload string
		var createdAt string
		if err := rows.Scan(&e.TaskID, &e.Seq, &e.EventType, &e.Phase, &e.Actor,
			&e.SpanID, &parent, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ParentSpanID = parent.String
		e.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
