package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub("")
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
	hub.Broadcast(context.Background(), Message{Type: "test", Payload: []byte(`{}`)})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub("")
	// A channel cannot be marshaled to JSON; logged, not panicked.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub("")
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel})
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	c, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func waitForConns(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", hub.ConnectionCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubTaskFilter(t *testing.T) {
	hub := NewHub("")
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	defer hub.Close()

	all := dial(t, srv, "")
	only2 := dial(t, srv, "?task_id=TASK_002")
	waitForConns(t, hub, 2)

	hub.BroadcastEvent(context.Background(), "workflow.transition", map[string]string{"task_id": "TASK_001"})
	hub.BroadcastEvent(context.Background(), "workflow.transition", map[string]string{"task_id": "TASK_002"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	read := func(c *websocket.Conn) Message {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if m := read(all); m.TaskID != "TASK_001" {
		t.Fatalf("unfiltered client first message task = %q", m.TaskID)
	}
	if m := read(all); m.TaskID != "TASK_002" {
		t.Fatalf("unfiltered client second message task = %q", m.TaskID)
	}
	if m := read(only2); m.TaskID != "TASK_002" || m.Type != "workflow.transition" {
		t.Fatalf("filtered client got %+v", m)
	}
}
