package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// HostModule is the import module name guests link against.
const HostModule = "env"

// HandlerExport is the function every guest must export. It takes no
// parameters and returns 0 on success or a guest-defined error code.
const HandlerExport = "handle"

// maxGuestWait bounds a single env.wait_ms suspension.
const maxGuestWait = time.Minute

// errGuestMemory is raised (as a panic, which wazero turns into a call error)
// when a guest hands the host an out-of-range buffer.
type errGuestMemory struct {
	fn       string
	ptr, len uint32
}

func (e errGuestMemory) Error() string {
	return fmt.Sprintf("%s: guest buffer [%d,+%d) out of range", e.fn, e.ptr, e.len)
}

func readGuest(m api.Module, fn string, ptr, n uint32) []byte {
	mem := m.Memory()
	if mem == nil {
		panic(errGuestMemory{fn: fn, ptr: ptr, len: n})
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		panic(errGuestMemory{fn: fn, ptr: ptr, len: n})
	}
	return b
}

// writeGuest copies as much of src as fits into the guest buffer and returns
// len(src) so the guest can detect truncation.
func writeGuest(m api.Module, fn string, ptr, n uint32, src []byte) uint32 {
	if n > uint32(len(src)) {
		n = uint32(len(src))
	}
	if n > 0 {
		mem := m.Memory()
		if mem == nil || !mem.Write(ptr, src[:n]) {
			panic(errGuestMemory{fn: fn, ptr: ptr, len: n})
		}
	}
	return uint32(len(src))
}

// interruptedExit is the error a host function unwinds the guest with when the
// call's context ends while it is suspended.
func interruptedExit(ctx context.Context) *sys.ExitError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sys.NewExitError(sys.ExitCodeDeadlineExceeded)
	}
	return sys.NewExitError(sys.ExitCodeContextCanceled)
}

// buildHostModule declares the host capability set. The function list here is
// the complete set of imports a guest may use besides WASI.
func buildHostModule(r wazero.Runtime) wazero.HostModuleBuilder {
	b := r.NewHostModuleBuilder(HostModule)

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			c := callFrom(ctx)
			if c == nil {
				return 0
			}
			return uint32(len(c.req.Body))
		}).
		Export("request_len")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) uint32 {
			c := callFrom(ctx)
			if c == nil {
				return 0
			}
			if n > uint32(len(c.req.Body)) {
				n = uint32(len(c.req.Body))
			}
			writeGuest(m, "request_read", ptr, n, c.req.Body[:n])
			return n
		}).
		Export("request_read")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) uint32 {
			c := callFrom(ctx)
			if c == nil {
				return 0
			}
			return writeGuest(m, "request_method", ptr, n, []byte(c.req.Method))
		}).
		Export("request_method")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) uint32 {
			c := callFrom(ctx)
			if c == nil {
				return 0
			}
			return writeGuest(m, "request_path", ptr, n, []byte(c.req.Path))
		}).
		Export("request_path")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, kptr, klen, vptr, vlen uint32) uint32 {
			c := callFrom(ctx)
			if c == nil {
				return 0
			}
			key := string(readGuest(m, "request_header", kptr, klen))
			return writeGuest(m, "request_header", vptr, vlen, []byte(c.req.Header.Get(key)))
		}).
		Export("request_header")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, status uint32) {
			if c := callFrom(ctx); c != nil {
				c.setStatus(int(status))
			}
		}).
		Export("response_status")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, kptr, klen, vptr, vlen uint32) {
			c := callFrom(ctx)
			if c == nil {
				return
			}
			k := string(readGuest(m, "response_header", kptr, klen))
			v := string(readGuest(m, "response_header", vptr, vlen))
			c.addHeader(k, v)
		}).
		Export("response_header")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) {
			c := callFrom(ctx)
			if c == nil {
				return
			}
			c.write(readGuest(m, "response_write", ptr, n))
		}).
		Export("response_write")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) {
			if c := callFrom(ctx); c != nil {
				c.announce()
			}
		}).
		Export("response_send")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) {
			c := callFrom(ctx)
			if c == nil {
				return
			}
			c.logf(string(readGuest(m, "log", ptr, n)))
		}).
		Export("log")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ms uint32) {
			d := time.Duration(ms) * time.Millisecond
			if d > maxGuestWait {
				d = maxGuestWait
			}
			c := callFrom(ctx)
			if c != nil {
				c.meter.Pause()
				defer c.meter.Resume()
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				panic(interruptedExit(ctx))
			}
		}).
		Export("wait_ms")

	return b
}
