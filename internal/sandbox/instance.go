package sandbox

import (
	"context"
	"errors"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Instance is an instantiated guest. It serves one call at a time; ownership
// passes between the pool and a single running job.
type Instance struct {
	ID     string
	CodeID string

	mod    api.Module
	handle api.Function
	calls  int
}

// Calls returns how many calls the instance has served.
func (i *Instance) Calls() int {
	return i.calls
}

// Call runs the guest handler under ctx and returns its code. The call's
// meter runs for the duration of the guest's execution. Call closes the
// announcement channel before returning.
func (i *Instance) Call(ctx context.Context, c *Call) (int32, error) {
	defer c.finish()

	c.meter.Resume()
	results, err := i.handle.Call(withCall(ctx, c))
	c.meter.Pause()
	i.calls++

	if err != nil {
		return 0, err
	}
	return int32(uint32(results[0])), nil
}

// Closed reports whether the instance can no longer be used, for example
// after it was interrupted.
func (i *Instance) Closed() bool {
	return i.mod.IsClosed()
}

// Close releases the instance.
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

// Interrupted reports whether err came from the runtime stopping a guest
// because its context was cancelled or timed out.
func Interrupted(err error) bool {
	var exitErr *sys.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	switch exitErr.ExitCode() {
	case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
		return true
	}
	return false
}
