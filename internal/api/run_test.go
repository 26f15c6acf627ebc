package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/wasmtest"
)

func TestRunRespond(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "hello", wasmtest.RespondWithHeader(201, "X-Guest", "yes", "created\n"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/run/hello", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if v := resp.Header.Get("X-Guest"); v != "yes" {
		t.Errorf("X-Guest = %q, want %q", v, "yes")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "created\n" {
		t.Errorf("body = %q, want %q", body, "created\n")
	}

	id := resp.Header.Get(invocationHeader)
	if id == "" {
		t.Fatal("missing invocation id header")
	}
	inv := waitForFinished(t, env.srv, id)
	if inv.Status != model.StatusCompleted {
		t.Errorf("invocation status = %q, want completed", inv.Status)
	}
	if inv.CodeID != "hello" || inv.Method != http.MethodPost {
		t.Errorf("invocation = %+v, want code hello via POST", inv)
	}
}

func TestRunForwardsRequest(t *testing.T) {
	tests := []struct {
		name   string
		wasm   []byte
		path   string
		body   string
		header string
		want   string
	}{
		{name: "body", wasm: wasmtest.Echo(), path: "/v1/run/echo", body: "ping", want: "ping"},
		{name: "root path", wasm: wasmtest.EchoPath(), path: "/v1/run/echo", want: "/"},
		{name: "sub path", wasm: wasmtest.EchoPath(), path: "/v1/run/echo/a/b", want: "/a/b"},
		{name: "query", wasm: wasmtest.EchoPath(), path: "/v1/run/echo/a?x=1", want: "/a?x=1"},
		{name: "header", wasm: wasmtest.EchoHeader("X-Tenant"), path: "/v1/run/echo", header: "acme", want: "acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.publish(t, "echo", tt.wasm)

			ts := httptest.NewServer(env.srv.Router())
			defer ts.Close()

			req, err := http.NewRequest(http.MethodPost, ts.URL+tt.path, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			if tt.header != "" {
				req.Header.Set("X-Tenant", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body %q)", resp.StatusCode, body)
			}
			if string(body) != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestRunFailuresReplyGeneric(t *testing.T) {
	tests := []struct {
		name  string
		wasm  []byte
		cause string
	}{
		{name: "trap", wasm: wasmtest.Trap(), cause: model.CauseTrap},
		{name: "guest error", wasm: wasmtest.ErrorCode(7), cause: model.CauseGuestError},
		{name: "silent", wasm: wasmtest.Silent(), cause: model.CauseNoResponse},
		{name: "link failure", wasm: wasmtest.UnknownImport(), cause: model.CauseTemplate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.publish(t, "bad", tt.wasm)

			ts := httptest.NewServer(env.srv.Router())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/v1/run/bad")
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			want := sandbox.InternalErrorResponse()
			if resp.StatusCode != want.Status {
				t.Errorf("status = %d, want %d", resp.StatusCode, want.Status)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != string(want.Body) {
				t.Errorf("body = %q, want %q", body, want.Body)
			}

			inv := waitForFinished(t, env.srv, resp.Header.Get(invocationHeader))
			if inv.Status != model.StatusFailed || inv.Cause != tt.cause {
				t.Errorf("invocation = %s/%s, want failed/%s", inv.Status, inv.Cause, tt.cause)
			}
		})
	}
}

func TestRunUnknownCode(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/run/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRunInvalidGuestStatus(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "odd", wasmtest.Respond(42, "nope"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/run/odd")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestRunBodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "echo", wasmtest.Echo())

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	body := strings.NewReader(strings.Repeat("x", maxRunBodySize+1))
	resp, err := http.Post(ts.URL+"/v1/run/echo", "text/plain", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestRunAfterExecutorClosed(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "hello", wasmtest.Respond(200, "hi"))
	if err := env.srv.exec.Close(t.Context()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/run/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
