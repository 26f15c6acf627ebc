package sandbox

import (
	"context"
	"net/http"
	"sync"
)

// Call is the per-invocation state the host functions operate on. It lives in
// the context passed to the guest, so a pooled Instance can serve many calls
// without carrying state between them.
type Call struct {
	req   *Request
	meter *Meter
	logf  func(line string)

	mu     sync.Mutex
	status int
	header http.Header
	body   []byte
	sent   bool

	announced chan Response
	closeOnce sync.Once
}

// NewCall prepares a call for req. logf receives each line the guest logs and
// may be nil.
func NewCall(req *Request, meter *Meter, logf func(line string)) *Call {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if meter == nil {
		meter = NewMeter()
	}
	if logf == nil {
		logf = func(string) {}
	}
	return &Call{
		req:       req,
		meter:     meter,
		logf:      logf,
		status:    http.StatusOK,
		header:    make(http.Header),
		announced: make(chan Response, 1),
	}
}

// Announced delivers the response once the guest calls env.response_send.
// The channel is closed when the call ends; a receive that reports !ok means
// the guest never announced a response.
func (c *Call) Announced() <-chan Response {
	return c.announced
}

// Meter returns the call's CPU meter.
func (c *Call) Meter() *Meter {
	return c.meter
}

// announce publishes the current response exactly once.
func (c *Call) announce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent {
		return
	}
	c.sent = true

	body := make([]byte, len(c.body))
	copy(body, c.body)
	c.announced <- Response{
		Status: c.status,
		Header: c.header.Clone(),
		Body:   body,
	}
}

// finish closes the announcement channel. It runs on the goroutine that made
// the call, after the guest returned, so it never races announce.
func (c *Call) finish() {
	c.closeOnce.Do(func() { close(c.announced) })
}

func (c *Call) setStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sent {
		c.status = status
	}
}

func (c *Call) addHeader(k, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sent {
		c.header.Add(k, v)
	}
}

func (c *Call) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sent {
		c.body = append(c.body, p...)
	}
}

type callKey struct{}

func withCall(ctx context.Context, c *Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// callFrom returns the call bound to ctx, or nil when the guest runs outside
// a call (for example in its start function).
func callFrom(ctx context.Context) *Call {
	c, _ := ctx.Value(callKey{}).(*Call)
	return c
}
