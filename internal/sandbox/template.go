package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"

	"github.com/seantiz/kiln/internal/model"
)

// startFunctions are run at instantiation when the guest exports them.
var startFunctions = []string{"_initialize"}

// Template is a compiled, linked artifact. It is immutable and shared by every
// Instance spawned from it.
type Template struct {
	CodeID string
	Size   int64

	compiled wazero.CompiledModule
	rt       *Runtime
	key      moduleKey
	closed   atomic.Bool
}

// ErrTemplateClosed is returned by Instantiate once the template was closed,
// typically because the template cache evicted it. Fetching the template
// again yields a usable one.
var ErrTemplateClosed = errors.New("template closed")

// Instantiate creates a fresh, isolated instance.
func (t *Template) Instantiate(ctx context.Context) (*Instance, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("instantiate %s: %w", t.CodeID, ErrTemplateClosed)
	}
	id := model.NewID()
	cfg := wazero.NewModuleConfig().
		WithName(t.CodeID + "/" + id).
		WithStartFunctions(startFunctions...)

	mod, err := t.rt.rt.InstantiateModule(ctx, t.compiled, cfg)
	if err != nil {
		if t.closed.Load() {
			return nil, fmt.Errorf("instantiate %s: %w", t.CodeID, ErrTemplateClosed)
		}
		return nil, fmt.Errorf("instantiate %s: %w", t.CodeID, err)
	}
	handle := mod.ExportedFunction(HandlerExport)
	if handle == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("instantiate %s: missing export %q", t.CodeID, HandlerExport)
	}

	return &Instance{
		ID:     id,
		CodeID: t.CodeID,
		mod:    mod,
		handle: handle,
	}, nil
}

// Close releases the template. The compiled module is freed once no other
// open template was compiled from the same bytes. Instances already spawned
// keep working; no new ones can be created. Close is idempotent.
func (t *Template) Close(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.rt.release(ctx, t.key, t.compiled)
}

// ReleaseEvicted closes a template dropped by the template cache. It has the
// shape of the cache's eviction hook.
func ReleaseEvicted(_ string, t *Template) {
	if err := t.Close(context.Background()); err != nil {
		t.rt.logger.Warn("failed to close evicted template", "code_id", t.CodeID, "error", err)
	}
}
