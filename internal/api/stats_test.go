package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/wasmtest"
)

func getStats(t *testing.T, ts *httptest.Server) statsResponse {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts)
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.IdleInstances != 0 {
		t.Errorf("idle_instances = %d, want 0", stats.IdleInstances)
	}
	if stats.Cache == nil || stats.Cache.Entries != 0 {
		t.Errorf("cache = %+v, want empty", stats.Cache)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for range 3 {
		inv := createRunning(t, srv, "alpha")
		dur, cpu, status := int64(100), int64(4), 200
		inv.Status = model.StatusCompleted
		inv.DurationMS = &dur
		inv.CPUMS = &cpu
		inv.HTTPStatus = &status
		inv.Reused = true
		if err := srv.store.FinishInvocation(ctx, inv); err != nil {
			t.Fatalf("FinishInvocation: %v", err)
		}
	}

	failed := createRunning(t, srv, "beta")
	failed.Status = model.StatusFailed
	failed.Cause = model.CauseCPUBudget
	if err := srv.store.FinishInvocation(ctx, failed); err != nil {
		t.Fatalf("FinishInvocation: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	stats := getStats(t, ts)
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.ByCause[model.CauseCPUBudget] != 1 {
		t.Errorf("by_cause[cpu_budget] = %d, want 1", stats.ByCause[model.CauseCPUBudget])
	}
	if stats.Reused != 3 {
		t.Errorf("reused = %d, want 3", stats.Reused)
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
}

func TestGetStatsReportsPoolAndCache(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "hello", wasmtest.Respond(200, "hi"))

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/run/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	waitForFinished(t, env.srv, resp.Header.Get(invocationHeader))

	deadline := time.Now().Add(5 * time.Second)
	var stats statsResponse
	for time.Now().Before(deadline) {
		stats = getStats(t, ts)
		if stats.IdleInstances == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats.IdleInstances != 1 {
		t.Errorf("idle_instances = %d, want 1", stats.IdleInstances)
	}
	if stats.Cache == nil || stats.Cache.Entries != 1 {
		t.Fatalf("cache = %+v, want one entry", stats.Cache)
	}
	if stats.Cache.Bytes <= 0 {
		t.Errorf("cache bytes = %d, want > 0", stats.Cache.Bytes)
	}
}
