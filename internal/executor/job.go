package executor

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/sandbox"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("executor closed")

// ErrNoReply is returned by Submit for a job without a buffered reply
// channel.
var ErrNoReply = errors.New("job has no reply channel")

// errShutdown cancels running jobs when Close gives up waiting for them.
var errShutdown = errors.New("executor shutting down")

// Job is one request for one code id. Exactly one Response is sent on Reply.
// Reply must have room for that Response so the executor never waits on the
// submitter.
type Job struct {
	// ID names the invocation. Submit assigns one when empty.
	ID      string
	CodeID  string
	Request *sandbox.Request
	Reply   chan<- sandbox.Response
}

// TemplateSource resolves a code id to a compiled template. The template
// cache satisfies it.
type TemplateSource interface {
	Get(ctx context.Context, codeID string) (*sandbox.Template, error)
}

// WarmHint is told how many idle instances a code id has whenever that
// number changes. It is called from the dispatch goroutine and must not
// block. Routing layers use it to steer requests toward warm nodes.
type WarmHint interface {
	Warm(codeID string, idle int)
}
