package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "kiln.db"
	defaultBlobURL          = "mem://"
	defaultCacheBudget      = 256 << 20
	defaultFetchTimeout     = 30 * time.Second
	defaultCPUCeiling       = 15 * time.Minute
	defaultEpochTick        = 10 * time.Millisecond
	defaultMemoryLimitPages = 256
	defaultPoolMaxIdle      = 8
	defaultPoolIdleTTL      = 5 * time.Minute

	envListenAddr       = "KILN_LISTEN_ADDR"
	envDBPath           = "KILN_DB_PATH"
	envLogLevel         = "KILN_LOG_LEVEL"
	envBlobURL          = "KILN_BLOB_URL"
	envCacheBudget      = "KILN_CACHE_BUDGET_BYTES"
	envCacheKeyPrefix   = "KILN_CACHE_KEY_PREFIX"
	envFetchTimeout     = "KILN_FETCH_TIMEOUT"
	envCPUCeiling       = "KILN_CPU_CEILING"
	envEpochTick        = "KILN_EPOCH_TICK"
	envMemoryLimitPages = "KILN_MEMORY_LIMIT_PAGES"
	envPoolMaxIdle      = "KILN_POOL_MAX_IDLE"
	envPoolIdleTTL      = "KILN_POOL_IDLE_TTL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// BlobURL selects the artifact store by scheme.
	BlobURL string

	CacheBudgetBytes int64
	CacheKeyPrefix   string
	FetchTimeout     time.Duration

	CPUCeiling       time.Duration
	EpochTick        time.Duration
	MemoryLimitPages uint32

	PoolMaxIdle int
	PoolIdleTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Values that fail to parse keep their default.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		BlobURL:          defaultBlobURL,
		CacheBudgetBytes: defaultCacheBudget,
		FetchTimeout:     defaultFetchTimeout,
		CPUCeiling:       defaultCPUCeiling,
		EpochTick:        defaultEpochTick,
		MemoryLimitPages: defaultMemoryLimitPages,
		PoolMaxIdle:      defaultPoolMaxIdle,
		PoolIdleTTL:      defaultPoolIdleTTL,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBlobURL); v != "" {
		cfg.BlobURL = v
	}
	cfg.CacheKeyPrefix = os.Getenv(envCacheKeyPrefix)

	if n, ok := parsePositive(os.Getenv(envCacheBudget), 63); ok {
		cfg.CacheBudgetBytes = int64(n)
	}
	if n, ok := parsePositive(os.Getenv(envMemoryLimitPages), 32); ok && n <= 65536 {
		cfg.MemoryLimitPages = uint32(n)
	}
	if n, ok := parsePositive(os.Getenv(envPoolMaxIdle), 31); ok {
		cfg.PoolMaxIdle = int(n)
	}

	if d, ok := parseDuration(os.Getenv(envFetchTimeout)); ok {
		cfg.FetchTimeout = d
	}
	if d, ok := parseDuration(os.Getenv(envCPUCeiling)); ok {
		cfg.CPUCeiling = d
	}
	if d, ok := parseDuration(os.Getenv(envEpochTick)); ok {
		cfg.EpochTick = d
	}
	if d, ok := parseDuration(os.Getenv(envPoolIdleTTL)); ok {
		cfg.PoolIdleTTL = d
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parsePositive parses a positive integer that fits in bits.
func parsePositive(s string, bits int) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// parseDuration accepts Go duration strings ("250ms", "15m") and bare
// integers, which are taken as seconds.
func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if n == 0 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
