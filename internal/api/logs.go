package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// streamHeartbeat is how often an idle log stream sends a comment line so
// proxies do not time it out.
const streamHeartbeat = 15 * time.Second

// streamDone is the payload of the final "done" event of a log stream.
type streamDone struct {
	Status     string `json:"status"`
	Cause      string `json:"cause,omitempty"`
	HTTPStatus *int   `json:"http_status,omitempty"`
}

// handleStreamLogs sends an invocation's log lines as server-sent events.
// Stored lines are replayed first, then live ones follow until the run ends.
// Every line event carries its sequence number as the event id, so a client
// reconnecting with Last-Event-ID only receives later lines. The stream ends
// with a "done" event holding the final status.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	after := -1
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		after = n
	}

	inv, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	// Subscribe before reading history so no line falls between the two. If
	// the run ends in between, the channel is already closed.
	var live <-chan model.LogLine
	if inv.Status == model.StatusRunning {
		ch, unsub := s.exec.Broker().Subscribe(id)
		defer unsub()
		live = ch
	}

	history, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines for stream", "invocation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for log stream", "error", err)
	}
	w.WriteHeader(http.StatusOK)

	ev := &eventWriter{w: w, rc: rc, last: after}
	for _, l := range history {
		if err := ev.line(l); err != nil {
			return
		}
	}
	if err := ev.flush(); err != nil {
		return
	}

	if live != nil {
		if !s.follow(r, ev, live) {
			return
		}
		// The run records its outcome before it closes the stream.
		if inv, err = s.store.GetInvocation(r.Context(), id); err != nil {
			s.logger.Error("get finished invocation for logs", "invocation_id", id, "error", err)
			return
		}
	}

	_ = ev.done(streamDone{Status: inv.Status, Cause: inv.Cause, HTTPStatus: inv.HTTPStatus})
}

// follow relays live lines until the channel closes, which it reports as
// true. It returns false when the client goes away or a write fails.
func (s *Server) follow(r *http.Request, ev *eventWriter, live <-chan model.LogLine) bool {
	tick := time.NewTicker(streamHeartbeat)
	defer tick.Stop()

	for {
		select {
		case l, ok := <-live:
			if !ok {
				return true
			}
			if err := ev.line(l); err != nil {
				return false
			}
			if err := ev.flush(); err != nil {
				return false
			}
		case <-tick.C:
			if _, err := fmt.Fprint(ev.w, ": keep-alive\n\n"); err != nil {
				return false
			}
			if err := ev.flush(); err != nil {
				return false
			}
		case <-r.Context().Done():
			return false
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/invocations/:id/logs/history.
type logHistoryResponse struct {
	InvocationID string           `json:"invocation_id"`
	Lines        []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	_, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation for log history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		InvocationID: id,
		Lines:        lines,
	})
}

// eventWriter writes server-sent events and remembers the highest sequence
// number sent, so lines seen both in history and live go out once.
type eventWriter struct {
	w    http.ResponseWriter
	rc   *http.ResponseController
	last int
}

// line writes l as a "log" event unless a line at or past its sequence
// number was already written. Embedded newlines become extra data fields.
func (e *eventWriter) line(l model.LogLine) error {
	if l.Seq <= e.last {
		return nil
	}
	e.last = l.Seq

	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\nevent: log\n", l.Seq)
	for seg := range strings.SplitSeq(l.Line, "\n") {
		fmt.Fprintf(&b, "data: %s\n", seg)
	}
	b.WriteString("\n")
	_, err := io.WriteString(e.w, b.String())
	return err
}

// done writes the closing "done" event and flushes it.
func (e *eventWriter) done(d streamDone) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: done\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return e.flush()
}

func (e *eventWriter) flush() error {
	if err := e.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
