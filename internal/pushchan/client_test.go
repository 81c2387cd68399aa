package pushchan_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ferry/internal/logging"
	"ferry/internal/pushchan"
	"ferry/internal/testsupport"
)

func waitEvent(t *testing.T, events <-chan pushchan.Event) pushchan.Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return pushchan.Event{}
}

func TestClientStreamsEvents(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/stream" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"task_started","task_id":"srv-1","status":"converting"}`)
		fmt.Fprintln(w, `{"type":"progress_update","task_id":"srv-1","progress":40}`)
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	cfg := testsupport.NewConfig(t)
	cfg.Remote.BaseURL = server.URL
	cfg.Remote.APIToken = "secret"

	client := pushchan.Dial(cfg, logging.NewNop())
	defer client.Close()

	if event := waitEvent(t, client.Events()); event.Type != pushchan.EventConnected {
		t.Fatalf("expected connected event first, got %s", event.Type)
	}
	event := waitEvent(t, client.Events())
	if event.Type != pushchan.EventTaskStarted || event.TaskID != "srv-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	event = waitEvent(t, client.Events())
	if event.Type != pushchan.EventProgressUpdate || event.Progress != 40 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClientToleratesMalformedLines(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `this is not json`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"type":"task_completed","task_id":"srv-2"}`)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	cfg := testsupport.NewConfig(t)
	cfg.Remote.BaseURL = server.URL

	client := pushchan.Dial(cfg, logging.NewNop())
	defer client.Close()

	waitEvent(t, client.Events()) // connected
	event := waitEvent(t, client.Events())
	if event.Type != pushchan.EventTaskCompleted || event.TaskID != "srv-2" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	release := make(chan struct{})
	connections := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections++
		if connections == 1 {
			fmt.Fprintln(w, `{"type":"task_started","task_id":"srv-1"}`)
			return // drop the stream
		}
		fmt.Fprintln(w, `{"type":"progress_update","task_id":"srv-1","progress":10}`)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	cfg := testsupport.NewConfig(t)
	cfg.Remote.BaseURL = server.URL
	cfg.Remote.ReconnectMaxSeconds = 2

	client := pushchan.Dial(cfg, logging.NewNop())
	defer client.Close()

	var got []pushchan.EventType
	for len(got) < 4 {
		got = append(got, waitEvent(t, client.Events()).Type)
	}
	want := []pushchan.EventType{
		pushchan.EventConnected,
		pushchan.EventTaskStarted,
		pushchan.EventConnected,
		pushchan.EventProgressUpdate,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestClientSendPostsCommand(t *testing.T) {
	received := make(chan pushchan.Command, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/events/stream":
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		case "/api/v1/events/commands":
			var cmd pushchan.Command
			if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
				t.Errorf("decode command: %v", err)
			}
			received <- cmd
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Remote.BaseURL = server.URL

	client := pushchan.Dial(cfg, logging.NewNop())
	defer client.Close()

	err := client.Send(context.Background(), pushchan.Command{
		Action: pushchan.ActionJoinTaskGroup,
		TaskID: "srv-7",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case cmd := <-received:
		if cmd.Action != pushchan.ActionJoinTaskGroup || cmd.TaskID != "srv-7" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestHubRoundTrip(t *testing.T) {
	hub := pushchan.NewHub()
	defer hub.Close()

	hub.Emit(pushchan.Event{Type: pushchan.EventSpaceWarning})
	event := waitEvent(t, hub.Events())
	if event.Type != pushchan.EventSpaceWarning {
		t.Fatalf("unexpected event: %+v", event)
	}

	if err := hub.Send(context.Background(), pushchan.Command{Action: pushchan.ActionGetActiveTasks}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case cmd := <-hub.Commands():
		if cmd.Action != pushchan.ActionGetActiveTasks {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}
}
