package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/blobstore"
	"github.com/seantiz/kiln/internal/wasmtest"
)

func putCode(t *testing.T, ts *httptest.Server, codeID string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/code/"+codeID, strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	return resp
}

func runBody(t *testing.T, ts *httptest.Server, codeID string) string {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/run/" + codeID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func waitForPoolIdle(t *testing.T, srv *Server, codeID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.exec.IdleCount(codeID) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("idle count for %s = %d, want %d", codeID, srv.exec.IdleCount(codeID), n)
}

func TestPutCodeThenRun(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	wasm := wasmtest.Respond(200, "v1")
	resp := putCode(t, ts, "hello", wasm)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var got putCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CodeID != "hello" || got.Bytes != len(wasm) || got.Validator == "" {
		t.Errorf("response = %+v", got)
	}

	if body := runBody(t, ts, "hello"); body != "v1" {
		t.Errorf("body = %q, want %q", body, "v1")
	}
}

func TestPutCodeEvictsPooledInstances(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	putCode(t, ts, "hello", wasmtest.Respond(200, "v1")).Body.Close()
	if body := runBody(t, ts, "hello"); body != "v1" {
		t.Fatalf("body = %q, want %q", body, "v1")
	}
	waitForPoolIdle(t, env.srv, "hello", 1)

	resp := putCode(t, ts, "hello", wasmtest.Respond(200, "v2"))
	defer resp.Body.Close()
	var got putCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", got.Evicted)
	}

	if body := runBody(t, ts, "hello"); body != "v2" {
		t.Errorf("body = %q, want %q", body, "v2")
	}
}

func TestPutCodeKeepsCachedTemplateWithSameBytes(t *testing.T) {
	for _, other := range []string{"other", "hello"} {
		t.Run(other, func(t *testing.T) {
			env := newTestEnv(t)

			ts := httptest.NewServer(env.srv.Router())
			defer ts.Close()

			wasm := wasmtest.Respond(200, "v1")
			putCode(t, ts, "hello", wasm).Body.Close()
			if body := runBody(t, ts, "hello"); body != "v1" {
				t.Fatalf("body = %q, want %q", body, "v1")
			}
			waitForPoolIdle(t, env.srv, "hello", 1)

			// Validating identical bytes compiles the same module the cache holds.
			resp := putCode(t, ts, other, wasm)
			resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				t.Fatalf("status = %d, want 201", resp.StatusCode)
			}
			env.srv.exec.Evict("hello")

			if body := runBody(t, ts, "hello"); body != "v1" {
				t.Errorf("body = %q, want %q", body, "v1")
			}
		})
	}
}

func TestPutCodeRejected(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want int
	}{
		{name: "empty", body: nil, want: http.StatusBadRequest},
		{name: "garbage", body: wasmtest.Garbage(), want: http.StatusUnprocessableEntity},
		{name: "unknown import", body: wasmtest.UnknownImport(), want: http.StatusUnprocessableEntity},
		{name: "no handle", body: wasmtest.NoHandle(), want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			ts := httptest.NewServer(env.srv.Router())
			defer ts.Close()

			resp := putCode(t, ts, "bad", tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if res := env.blobs.Get(t.Context(), testPrefix+"bad", ""); res.Outcome != blobstore.NotFound {
				t.Errorf("stored outcome = %v, want not_found", res.Outcome)
			}
		})
	}
}

// readOnly hides the Writer side of a blob store.
type readOnly struct{ blobstore.Store }

func TestPutCodeReadOnlyStore(t *testing.T) {
	env := newTestEnv(t)
	env.srv.deps.Blobs = readOnly{env.blobs}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := putCode(t, ts, "hello", wasmtest.Respond(200, "v1"))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestEvictCode(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "hello", wasmtest.Respond(200, "hi"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	runBody(t, ts, "hello")
	waitForPoolIdle(t, env.srv, "hello", 1)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/code/hello/instances", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	var got evictResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", got.Evicted)
	}
	if n := env.srv.exec.IdleCount("hello"); n != 0 {
		t.Errorf("idle = %d, want 0", n)
	}
}
