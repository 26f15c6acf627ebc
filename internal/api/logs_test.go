package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/wasmtest"
)

// event is one parsed server-sent event.
type event struct {
	id   string
	name string
	data string
}

// readEvents parses an event stream until EOF. Comment lines are skipped.
func readEvents(t *testing.T, r io.Reader) []event {
	t.Helper()
	var (
		events []event
		cur    event
		data   []string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != nil {
				cur.data = strings.Join(data, "\n")
				events = append(events, cur)
			}
			cur, data = event{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events
}

// openStream starts a log stream request and checks the response headers.
func openStream(t *testing.T, ts *httptest.Server, id, lastEventID string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/invocations/"+id+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return resp
}

func decodeDone(t *testing.T, ev event) streamDone {
	t.Helper()
	if ev.name != "done" {
		t.Fatalf("last event = %+v, want done", ev)
	}
	var d streamDone
	if err := json.Unmarshal([]byte(ev.data), &d); err != nil {
		t.Fatalf("decode done payload %q: %v", ev.data, err)
	}
	return d
}

func TestStreamLogsRejected(t *testing.T) {
	env := newTestEnv(t)
	inv := createRunning(t, env.srv, "hello")

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	tests := []struct {
		name        string
		id          string
		lastEventID string
		want        int
	}{
		{"unknown invocation", "nonexistent", "", http.StatusNotFound},
		{"non-numeric Last-Event-ID", inv.ID, "abc", http.StatusBadRequest},
		{"negative Last-Event-ID", inv.ID, "-4", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/invocations/"+tt.id+"/logs", nil)
			if tt.lastEventID != "" {
				req.Header.Set("Last-Event-ID", tt.lastEventID)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStreamLogsReplaysFinishedInvocation(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "logger", wasmtest.Log("charging card"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/run/logger", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	id := resp.Header.Get(invocationHeader)
	waitForFinished(t, env.srv, id)

	events := readEvents(t, openStream(t, ts, id, "").Body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if got := events[0]; got.id != "0" || got.name != "log" || got.data != "charging card" {
		t.Errorf("log event = %+v", got)
	}
	done := decodeDone(t, events[1])
	if done.Status != model.StatusCompleted || done.HTTPStatus == nil || *done.HTTPStatus != http.StatusOK {
		t.Errorf("done = %+v, want completed with 200", done)
	}
}

func TestStreamLogsFollowsRunningInvocation(t *testing.T) {
	env := newTestEnv(t)
	inv := createRunning(t, env.srv, "hello")

	// One line was stored before the client connected.
	ctx := context.Background()
	if err := env.store.InsertLogLine(ctx, inv.ID, 0, "starting"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()
	resp := openStream(t, ts, inv.ID, "")

	// The handler subscribed before answering, so these are all delivered.
	// Seq 0 repeats the stored line and must not be sent twice.
	broker := env.srv.exec.Broker()
	broker.Publish(model.LogLine{InvocationID: inv.ID, Seq: 0, Line: "starting"})
	broker.Publish(model.LogLine{InvocationID: inv.ID, Seq: 1, Line: "panic: nil map\n  at main.go:42"})

	status := http.StatusInternalServerError
	inv.Status = model.StatusFailed
	inv.Cause = model.CauseTrap
	inv.HTTPStatus = &status
	if err := env.store.FinishInvocation(ctx, inv); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}
	broker.Close(inv.ID)

	events := readEvents(t, resp.Body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].id != "0" || events[0].data != "starting" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].id != "1" || events[1].data != "panic: nil map\n  at main.go:42" {
		t.Errorf("event[1] = %+v", events[1])
	}
	done := decodeDone(t, events[2])
	if done.Status != model.StatusFailed || done.Cause != model.CauseTrap {
		t.Errorf("done = %+v, want failed with cause %q", done, model.CauseTrap)
	}
}

func TestStreamLogsResumesAfterLastEventID(t *testing.T) {
	env := newTestEnv(t)
	inv := createRunning(t, env.srv, "hello")

	ctx := context.Background()
	for seq, line := range []string{"a", "b", "c"} {
		if err := env.store.InsertLogLine(ctx, inv.ID, seq, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}
	inv.Status = model.StatusCompleted
	if err := env.store.FinishInvocation(ctx, inv); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	events := readEvents(t, openStream(t, ts, inv.ID, "1").Body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].id != "2" || events[0].data != "c" {
		t.Errorf("event[0] = %+v, want seq 2 %q", events[0], "c")
	}
	if done := decodeDone(t, events[1]); done.Status != model.StatusCompleted {
		t.Errorf("done status = %q, want completed", done.Status)
	}
}

func TestLogHistory(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "logger", wasmtest.Log("guest says hi"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/run/logger", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	id := resp.Header.Get(invocationHeader)
	waitForFinished(t, env.srv, id)

	resp, err = http.Get(ts.URL + "/v1/invocations/" + id + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var history logHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.InvocationID != id {
		t.Errorf("invocation_id = %q, want %q", history.InvocationID, id)
	}
	if len(history.Lines) != 1 || history.Lines[0].Line != "guest says hi" {
		t.Fatalf("lines = %+v, want one line %q", history.Lines, "guest says hi")
	}
	if history.Lines[0].Seq != 0 {
		t.Errorf("seq = %d, want 0", history.Lines[0].Seq)
	}
}

func TestLogHistoryNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/invocations/nonexistent/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// createRunning records a running invocation directly in the store.
func createRunning(t *testing.T, srv *Server, codeID string) *model.Invocation {
	t.Helper()
	inv := &model.Invocation{
		ID:        model.NewID(),
		CodeID:    codeID,
		Status:    model.StatusRunning,
		Method:    http.MethodGet,
		Path:      "/",
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateInvocation(context.Background(), inv); err != nil {
		t.Fatalf("CreateInvocation: %v", err)
	}
	return inv
}

// waitForFinished polls the store until the invocation leaves running.
func waitForFinished(t *testing.T, srv *Server, id string) *model.Invocation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inv, err := srv.store.GetInvocation(context.Background(), id)
		if err == nil && inv.Status != model.StatusRunning {
			return inv
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("invocation %s did not finish", id)
	return nil
}
