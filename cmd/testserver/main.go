// testserver starts a Kiln API server over an in-memory artifact store seeded
// with sample guests, for manual testing of the HTTP surface.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/blobstore"
	"github.com/seantiz/kiln/internal/cache"
	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/metrics"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/wasmtest"
)

// samples are published under their code id at startup.
var samples = map[string][]byte{
	"hello":   wasmtest.Respond(200, "hello from kiln\n"),
	"echo":    wasmtest.Echo(),
	"path":    wasmtest.EchoPath(),
	"counter": wasmtest.Counter(),
	"logger":  wasmtest.Log("[guest] handled request"),
	"slow":    wasmtest.WaitThenRespond(500, 200),
	"spin":    wasmtest.Spin(),
	"trap":    wasmtest.Trap(),
	"silent":  wasmtest.Silent(),
}

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}
	ctx := context.Background()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	blobs := blobstore.NewMemoryStore()
	for id, wasm := range samples {
		if _, err := blobs.Put(ctx, id, wasm); err != nil {
			log.Fatalf("seed %s: %v", id, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rt, err := sandbox.NewRuntime(ctx, sandbox.Config{}, logger)
	if err != nil {
		log.Fatalf("failed to create runtime: %v", err)
	}
	defer rt.Close(ctx)

	templates := cache.New[*sandbox.Template](blobs, rt.Compile, cache.Options[*sandbox.Template]{OnEvict: sandbox.ReleaseEvicted}, metrics.Discard{}, logger)
	exec := executor.New(templates, db, metrics.Discard{}, logger, executor.Options{
		Limits: sandbox.Limits{CPUCeiling: 2 * time.Second},
	})
	defer exec.Close(ctx)

	srv := api.NewServer(addr, api.Deps{
		Store:    db,
		Executor: exec,
		Blobs:    blobs,
		Compiler: rt,
		Cache:    templates,
	}, logger)

	logger.Info("testserver: starting", "addr", addr, "samples", len(samples))
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
