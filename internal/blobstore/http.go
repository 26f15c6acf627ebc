package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time interface satisfaction check.
var _ Store = (*HTTPStore)(nil)

const (
	defaultHTTPTimeout = 30 * time.Second

	// maxArtifactSize bounds the body read from the backend.
	maxArtifactSize = 256 << 20 // 256 MB
)

// HTTPStore fetches objects with GET <base>/<key>, sending If-None-Match when a
// validator is known.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPStore creates a store rooted at baseURL. A nil client uses a client
// with a 30s timeout.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPStore{base: u, client: client}, nil
}

// objectURL joins the base path and key. url.URL handles escaping.
func (s *HTTPStore) objectURL(key string) string {
	u := *s.base
	u.RawPath = ""
	u.Path = strings.TrimSuffix(s.base.Path, "/") + "/" + strings.TrimPrefix(key, "/")
	return u.String()
}

// Get implements Store.
func (s *HTTPStore) Get(ctx context.Context, key, validator string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return FailedResult(fmt.Errorf("build request: %w", err))
	}
	if validator != "" {
		req.Header.Set("If-None-Match", validator)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return FailedResult(fmt.Errorf("get %s: %w", key, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize+1))
		if err != nil {
			return FailedResult(fmt.Errorf("read body: %w", err))
		}
		if len(body) > maxArtifactSize {
			return FailedResult(fmt.Errorf("object %s exceeds %d bytes", key, maxArtifactSize))
		}
		etag := resp.Header.Get("ETag")
		if etag == "" {
			etag = ContentValidator(body)
		}
		return FetchedResult(body, etag)
	case http.StatusNotModified:
		return NotModifiedResult()
	case http.StatusNotFound:
		return NotFoundResult()
	default:
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return FailedResult(fmt.Errorf("get %s: unexpected status %d", key, resp.StatusCode))
	}
}
