package sandbox

import (
	"time"

	"github.com/tetratelabs/wazero"
)

// Defaults applied by Config and Limits when fields are zero.
const (
	DefaultMemoryLimitPages uint32 = 256 // 16 MiB
	DefaultCPUCeiling              = 15 * time.Minute
	DefaultTick                    = 10 * time.Millisecond
)

// Config describes how a Runtime is built. It is passed explicitly at
// construction; nothing about the runtime is global.
type Config struct {
	// MemoryLimitPages caps each instance's linear memory, in 64 KiB pages.
	MemoryLimitPages uint32

	// CompilationCache, when set, is shared with other runtimes so machine
	// code is not regenerated for identical artifacts.
	CompilationCache wazero.CompilationCache
}

func (c Config) withDefaults() Config {
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = DefaultMemoryLimitPages
	}
	return c
}

// Limits bounds a single call. Each job receives its own copy.
type Limits struct {
	// CPUCeiling is the CPU time after which the call is interrupted.
	CPUCeiling time.Duration

	// Tick is how often the CPU meter is polled against the ceiling.
	Tick time.Duration
}

// WithDefaults fills zero fields.
func (l Limits) WithDefaults() Limits {
	if l.CPUCeiling <= 0 {
		l.CPUCeiling = DefaultCPUCeiling
	}
	if l.Tick <= 0 {
		l.Tick = DefaultTick
	}
	return l
}
