package main

import (
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/blobstore"
	"github.com/seantiz/kiln/internal/cache"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/executor"
	"github.com/seantiz/kiln/internal/metrics"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/store"
)

const (
	drainTimeout = 30 * time.Second
	sinkBuffer   = 1024
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"blob_url", cfg.BlobURL,
		"cache_budget_bytes", cfg.CacheBudgetBytes,
		"cpu_ceiling", cfg.CPUCeiling,
	)

	ctx := context.Background()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	blobs, err := blobstore.DefaultRegistry().Open(ctx, cfg.BlobURL)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}
	if c, ok := blobs.(io.Closer); ok {
		defer c.Close()
	}

	rt, err := sandbox.NewRuntime(ctx, sandbox.Config{
		MemoryLimitPages: cfg.MemoryLimitPages,
		CompilationCache: wazero.NewCompilationCache(),
	}, logger)
	if err != nil {
		log.Fatalf("failed to create runtime: %v", err)
	}
	defer rt.Close(ctx)

	sink := metrics.NewAsyncSink(sinkBuffer, logger)
	defer sink.Close()

	templates := cache.New[*sandbox.Template](blobs, rt.Compile, cache.Options[*sandbox.Template]{
		Budget:       cfg.CacheBudgetBytes,
		Prefix:       cfg.CacheKeyPrefix,
		FetchTimeout: cfg.FetchTimeout,
		OnEvict:      sandbox.ReleaseEvicted,
	}, sink, logger)

	exec := executor.New(templates, db, sink, logger, executor.Options{
		Limits:         sandbox.Limits{CPUCeiling: cfg.CPUCeiling, Tick: cfg.EpochTick},
		MaxIdlePerCode: cfg.PoolMaxIdle,
		IdleTTL:        cfg.PoolIdleTTL,
	})

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     db,
		Executor:  exec,
		Blobs:     blobs,
		KeyPrefix: cfg.CacheKeyPrefix,
		Compiler:  rt,
		Cache:     templates,
	}, logger)

	runErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := exec.Close(drainCtx); err != nil {
		logger.Warn("executor drain cut short", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
}
