package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Runtime owns the wazero runtime, the WASI module and the host capability
// module. It is safe for concurrent use.
type Runtime struct {
	cfg    Config
	rt     wazero.Runtime
	host   map[string]api.FunctionDefinition
	logger *slog.Logger

	// wazero keeps one compiled module per distinct artifact and any Close
	// drops it, so templates compiled from equal bytes share a count. A
	// reference is taken before compiling and the module is closed under mu,
	// so a compile never picks up a module that is being dropped.
	mu   sync.Mutex
	refs map[moduleKey]int
}

type moduleKey [sha256.Size]byte

// NewRuntime builds a runtime from cfg. Guests are interrupted when the
// context of their call is cancelled.
func NewRuntime(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MemoryLimitPages)
	if cfg.CompilationCache != nil {
		rc = rc.WithCompilationCache(cfg.CompilationCache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	hostCompiled, err := buildHostModule(rt).Compile(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile host module: %w", err)
	}
	if _, err := rt.InstantiateModule(ctx, hostCompiled, wazero.NewModuleConfig()); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	return &Runtime{
		cfg:    cfg,
		rt:     rt,
		host:   hostCompiled.ExportedFunctions(),
		logger: logger,
		refs:   make(map[moduleKey]int),
	}, nil
}

// Close releases the runtime and every instance created from it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// Capabilities returns the names of the host functions guests may import,
// sorted.
func (r *Runtime) Capabilities() []string {
	names := make([]string, 0, len(r.host))
	for name := range r.host {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Compile turns artifact bytes into a Template, verifying that every import
// resolves to a host capability with a matching signature and that the
// handler export is present. The returned size is the artifact length and is
// what the template cache charges against its budget.
func (r *Runtime) Compile(ctx context.Context, codeID string, body []byte) (*Template, int64, error) {
	key := moduleKey(sha256.Sum256(body))
	r.mu.Lock()
	r.refs[key]++
	r.mu.Unlock()

	compiled, err := r.rt.CompileModule(ctx, body)
	if err != nil {
		r.release(ctx, key, nil)
		return nil, 0, fmt.Errorf("compile: %w", err)
	}
	if err := r.link(compiled); err != nil {
		r.release(ctx, key, compiled)
		return nil, 0, err
	}

	r.logger.Debug("compiled template",
		"code_id", codeID,
		"bytes", len(body),
		"imports", len(compiled.ImportedFunctions()),
	)

	return &Template{
		CodeID:   codeID,
		Size:     int64(len(body)),
		compiled: compiled,
		rt:       r,
		key:      key,
	}, int64(len(body)), nil
}

// release drops one reference to key and closes compiled if it was the last.
func (r *Runtime) release(ctx context.Context, key moduleKey, compiled wazero.CompiledModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[key]--
	if r.refs[key] > 0 {
		return nil
	}
	delete(r.refs, key)
	if compiled == nil {
		return nil
	}
	return compiled.Close(ctx)
}

// CompiledModules returns the number of distinct compiled artifacts held by
// open templates, counting compiles still in progress.
func (r *Runtime) CompiledModules() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// ErrLink reports an artifact that cannot be linked against the host.
var ErrLink = errors.New("link")

func (r *Runtime) link(compiled wazero.CompiledModule) error {
	if mems := compiled.ImportedMemories(); len(mems) > 0 {
		mod, name, _ := mems[0].Import()
		return fmt.Errorf("%w: memory import %s.%s is not allowed", ErrLink, mod, name)
	}

	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		switch mod {
		case wasi_snapshot_preview1.ModuleName:
			continue
		case HostModule:
			hostDef, ok := r.host[name]
			if !ok {
				return fmt.Errorf("%w: unknown capability %s.%s", ErrLink, mod, name)
			}
			if !slices.Equal(def.ParamTypes(), hostDef.ParamTypes()) ||
				!slices.Equal(def.ResultTypes(), hostDef.ResultTypes()) {
				return fmt.Errorf("%w: capability %s.%s has the wrong signature", ErrLink, mod, name)
			}
		default:
			return fmt.Errorf("%w: import from unknown module %q", ErrLink, mod)
		}
	}

	handler, ok := compiled.ExportedFunctions()[HandlerExport]
	if !ok {
		return fmt.Errorf("%w: missing export %q", ErrLink, HandlerExport)
	}
	if len(handler.ParamTypes()) != 0 ||
		!slices.Equal(handler.ResultTypes(), []api.ValueType{api.ValueTypeI32}) {
		return fmt.Errorf("%w: export %q must have type () -> i32", ErrLink, HandlerExport)
	}
	return nil
}
