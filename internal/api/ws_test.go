package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/taskkernel/internal/kernel/eventlog"
	"github.com/marcus-qen/taskkernel/internal/kernel/store"
)

func wsURLForTask(t *testing.T, baseURL, taskID string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws/tasks/" + taskID + "/events"
	return u.String()
}

func TestStreamHubDeliversEventsInSeqOrder(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	events := eventlog.New(st, zap.NewNop())

	hub := newStreamHub(events, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/tasks/{id}/events", hub.handleConn)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	const taskID = "task-ws-1"
	if _, err := events.Append(ctx, eventlog.AppendInput{
		TaskID: taskID, EventType: "task_created", Phase: "intake", Actor: "kernel",
	}); err != nil {
		t.Fatalf("append seed event: %v", err)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURLForTask(t, srv.URL, taskID), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected switching protocols, got %d", resp.StatusCode)
	}

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first["event_type"] != "task_created" {
		t.Fatalf("expected task_created, got %v", first["event_type"])
	}

	if _, err := events.Append(ctx, eventlog.AppendInput{
		TaskID: taskID, EventType: "phase_transition", Phase: "planning", Actor: "kernel",
	}); err != nil {
		t.Fatalf("append second event: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var second map[string]any
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if second["event_type"] != "phase_transition" {
		t.Fatalf("expected phase_transition, got %v", second["event_type"])
	}
}

func TestStreamHubResumesFromLastSeq(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "kernel.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	events := eventlog.New(st, zap.NewNop())

	hub := newStreamHub(events, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/tasks/{id}/events", hub.handleConn)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	const taskID = "task-ws-2"
	var lastSeq int64
	for i := 0; i < 3; i++ {
		evt, err := events.Append(ctx, eventlog.AppendInput{
			TaskID: taskID, EventType: "phase_transition", Phase: "planning", Actor: "kernel",
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		lastSeq = evt.Seq
	}

	u := wsURLForTask(t, srv.URL, taskID) + "?last_seq=" + strconv.FormatInt(lastSeq, 10)
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected switching protocols, got %d", resp.StatusCode)
	}

	if _, err := events.Append(ctx, eventlog.AppendInput{
		TaskID: taskID, EventType: "task_succeeded", Phase: "succeeded", Actor: "kernel",
	}); err != nil {
		t.Fatalf("append post-reconnect event: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event after reconnect: %v", err)
	}
	if got["event_type"] != "task_succeeded" {
		t.Fatalf("expected resumption to skip the 3 prior events and deliver task_succeeded, got %v", got["event_type"])
	}
}
