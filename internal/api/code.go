package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/blobstore"
)

const maxArtifactSize = 64 << 20 // 64 MB

type putCodeResponse struct {
	CodeID    string `json:"code_id"`
	Validator string `json:"validator"`
	Bytes     int    `json:"bytes"`
	Evicted   int    `json:"evicted_instances"`
}

type evictResponse struct {
	CodeID  string `json:"code_id"`
	Evicted int    `json:"evicted_instances"`
}

// handlePutCode publishes a new artifact version. The artifact is compiled
// first so one that cannot link is never stored. Idle instances of the
// previous version are evicted since pooled instances bypass revalidation.
func (s *Server) handlePutCode(w http.ResponseWriter, r *http.Request) {
	codeID := chi.URLParam(r, "codeID")

	writer, ok := s.deps.Blobs.(blobstore.Writer)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "blob store is read-only")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArtifactSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "artifact too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read artifact")
		return
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "artifact is empty")
		return
	}

	if s.deps.Compiler != nil {
		tmpl, _, err := s.deps.Compiler.Compile(r.Context(), codeID, body)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, "artifact rejected: "+err.Error())
			return
		}
		// A cached template compiled from the same bytes keeps its module.
		tmpl.Close(r.Context())
	}

	validator, err := writer.Put(r.Context(), s.deps.KeyPrefix+codeID, body)
	if err != nil {
		s.logger.Error("store artifact", "code_id", codeID, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to store artifact")
		return
	}

	evicted := s.exec.Evict(codeID)
	s.logger.Info("artifact published", "code_id", codeID, "bytes", len(body), "validator", validator, "evicted", evicted)

	s.writeJSON(w, http.StatusCreated, putCodeResponse{
		CodeID:    codeID,
		Validator: validator,
		Bytes:     len(body),
		Evicted:   evicted,
	})
}

func (s *Server) handleEvictCode(w http.ResponseWriter, r *http.Request) {
	codeID := chi.URLParam(r, "codeID")
	s.writeJSON(w, http.StatusOK, evictResponse{CodeID: codeID, Evicted: s.exec.Evict(codeID)})
}
