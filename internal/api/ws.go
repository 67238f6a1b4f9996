package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/eventlog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsTailTimeout  = 25 * time.Second
)

// taskConn is one open WebSocket connection streaming a single task's
// events. conn is guarded by mu because the ping ticker and the tail
// loop both write to it from different goroutines.
type taskConn struct {
	taskID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *taskConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *taskConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// streamHub upgrades /ws/tasks/{id}/events requests and pumps events
// from the event log's live bus (via Log.Tail) to each connection in
// seq order, starting from the client-supplied last-seen seq so a
// reconnect never re-delivers or skips an event.
type streamHub struct {
	events *eventlog.Log
	log    *zap.Logger
}

func newStreamHub(events *eventlog.Log, log *zap.Logger) *streamHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &streamHub{events: events, log: log.Named("ws")}
}

func (h *streamHub) handleConn(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	lastSeq := int64(0)
	if v := r.URL.Query().Get("last_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeq = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	tc := &taskConn{taskID: taskID, conn: conn}
	defer conn.Close()

	// A dedicated reader goroutine drains control frames (close, pong) and
	// closes the closed channel when the client goes away; the handler
	// itself never expects application-level messages from the client.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The ping goroutine keeps the connection alive during long Tail
	// blocks (up to wsTailTimeout) without interrupting the read loop.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := tc.ping(); err != nil {
					return
				}
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		events, err := h.events.Tail(ctx, taskID, lastSeq, wsTailTimeout)
		if err != nil {
			if ctx.Err() == nil {
				h.log.Warn("tail events failed", zap.String("task_id", taskID), zap.Error(err))
			}
			return
		}
		for _, evt := range events {
			if err := tc.writeJSON(wireEvent(evt)); err != nil {
				return
			}
			lastSeq = evt.Seq
		}
	}
}

// wireEvent is the JSON shape sent over the wire for one event.
func wireEvent(e eventlog.Event) map[string]any {
	return map[string]any{
		"task_id":        e.TaskID,
		"seq":            e.Seq,
		"event_type":     e.EventType,
		"phase":          e.Phase,
		"actor":          e.Actor,
		"span_id":        e.SpanID,
		"parent_span_id": e.ParentSpanID,
		"payload":        json.RawMessage(e.Payload),
		"created_at":     e.CreatedAt,
	}
}
