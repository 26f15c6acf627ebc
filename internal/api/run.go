package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/sandbox"
)

const (
	invocationHeader = "X-Invocation-Id"
	maxRunBodySize   = 8 << 20 // 8 MB
)

// handleRun turns an inbound request into a job for the code id in the path
// and writes back whatever the job replies. Any failure inside the job
// surfaces as the same generic 500.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	codeID := chi.URLParam(r, "codeID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRunBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req := &sandbox.Request{
		Method: r.Method,
		Path:   guestPath(r),
		Header: r.Header.Clone(),
		Body:   body,
	}

	// Jobs are bounded by their CPU budget, not by the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for run", "error", err)
	}

	id, resp, err := s.exec.Execute(r.Context(), codeID, req)
	switch {
	case errors.Is(err, executor.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		// The caller went away; the job still finishes and is recorded.
		s.logger.Debug("run abandoned", "code_id", codeID, "invocation_id", id, "error", err)
		return
	}

	if resp.Status < 100 || resp.Status > 999 {
		s.logger.Warn("guest announced invalid status", "code_id", codeID, "invocation_id", id, "status", resp.Status)
		resp = sandbox.InternalErrorResponse()
	}
	observeRunResponse(resp.Status)

	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set(invocationHeader, id)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug("write run response", "invocation_id", id, "error", err)
	}
}

// guestPath is the part of the URL after /v1/run/{codeID}, always starting
// with a slash, plus the query string.
func guestPath(r *http.Request) string {
	path := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}
