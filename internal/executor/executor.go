package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/metrics"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
	"github.com/seantiz/kiln/internal/store"
)

const defaultQueueSize = 64

// Options configures an Executor.
type Options struct {
	// Limits bounds every job. Each job works on its own copy.
	Limits sandbox.Limits

	MaxIdlePerCode int
	IdleTTL        time.Duration

	// SweepInterval is how often idle instances are checked against IdleTTL.
	// It defaults to IdleTTL/2, capped at 30s.
	SweepInterval time.Duration

	// QueueSize is the depth of the job intake queue.
	QueueSize int

	// Warm, if set, is told when a code id's idle count changes.
	Warm WarmHint
}

func (o Options) withDefaults() Options {
	o.Limits = o.Limits.WithDefaults()
	if o.MaxIdlePerCode <= 0 {
		o.MaxIdlePerCode = DefaultMaxIdlePerCode
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = DefaultIdleTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = min(o.IdleTTL/2, 30*time.Second)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// Executor dispatches jobs to sandbox instances.
type Executor struct {
	templates TemplateSource
	store     store.Store
	sink      metrics.Sink
	logger    *slog.Logger
	broker    *LogBroker
	opts      Options

	// base is the parent of every job context. It is only cancelled when
	// Close runs out of time.
	base  context.Context
	abort context.CancelCauseFunc

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	once    sync.Once

	jobs     chan Job
	returns  chan *sandbox.Instance
	control  chan func()
	loopDone chan struct{}

	// Owned by the dispatch goroutine.
	pool *InstancePool
	idle atomic.Int64

	wg sync.WaitGroup
}

// New starts an executor. Close must be called to release it.
func New(templates TemplateSource, s store.Store, sink metrics.Sink, logger *slog.Logger, opts Options) *Executor {
	opts = opts.withDefaults()
	if sink == nil {
		sink = metrics.Discard{}
	}
	base, abort := context.WithCancelCause(context.Background())

	e := &Executor{
		templates: templates,
		store:     s,
		sink:      sink,
		logger:    logger,
		broker:    NewLogBroker(),
		opts:      opts,
		base:      base,
		abort:     abort,
		closing:   make(chan struct{}),
		jobs:      make(chan Job, opts.QueueSize),
		returns:   make(chan *sandbox.Instance),
		control:   make(chan func()),
		loopDone:  make(chan struct{}),
		pool:      NewInstancePool(opts.MaxIdlePerCode, opts.IdleTTL),
	}
	go e.loop()
	return e
}

// Broker returns the executor's log broker for SSE subscription.
func (e *Executor) Broker() *LogBroker {
	return e.broker
}

// Submit queues job and returns its invocation id. It blocks while the queue
// is full, until ctx is done.
func (e *Executor) Submit(ctx context.Context, job Job) (string, error) {
	if job.Reply == nil || cap(job.Reply) == 0 {
		return "", ErrNoReply
	}
	if job.ID == "" {
		job.ID = model.NewID()
	}
	if job.Request == nil {
		job.Request = &sandbox.Request{Method: "GET", Path: "/"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrClosed
	}

	select {
	case e.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Execute submits a job for codeID and waits for its reply. The job keeps
// running if ctx ends first; only the wait is abandoned.
func (e *Executor) Execute(ctx context.Context, codeID string, req *sandbox.Request) (string, sandbox.Response, error) {
	reply := make(chan sandbox.Response, 1)
	id, err := e.Submit(ctx, Job{CodeID: codeID, Request: req, Reply: reply})
	if err != nil {
		return "", sandbox.Response{}, err
	}
	select {
	case resp := <-reply:
		return id, resp, nil
	case <-ctx.Done():
		return id, sandbox.Response{}, ctx.Err()
	}
}

// Evict closes every idle instance of codeID, typically after a new version
// of its artifact was published.
func (e *Executor) Evict(codeID string) int {
	n := 0
	e.do(func() {
		evicted := e.pool.Evict(codeID)
		n = len(evicted)
		e.discard(evicted)
		e.poolChanged(codeID)
	})
	return n
}

// IdleCount returns the number of idle instances for codeID.
func (e *Executor) IdleCount(codeID string) int {
	n := 0
	e.do(func() { n = e.pool.LenFor(codeID) })
	return n
}

// TotalIdle returns the number of idle instances across all code ids.
func (e *Executor) TotalIdle() int {
	return int(e.idle.Load())
}

// do runs fn on the dispatch goroutine and waits for it. It is a no-op once
// the executor has stopped.
func (e *Executor) do(fn func()) {
	done := make(chan struct{})
	select {
	case e.control <- func() { fn(); close(done) }:
		<-done
	case <-e.loopDone:
	}
}

// Close stops intake, replies to queued jobs with the generic error and waits
// for running jobs to finish. If ctx ends first, running jobs are cancelled
// and ctx.Err() is returned once they have unwound.
func (e *Executor) Close(ctx context.Context) error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.closing)
	})

	select {
	case <-e.loopDone:
		return nil
	case <-ctx.Done():
		e.abort(errShutdown)
		<-e.loopDone
		return ctx.Err()
	}
}

func (e *Executor) loop() {
	defer close(e.loopDone)

	sweep := time.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()

	for {
		// Returned instances are taken before new jobs so a job arriving
		// right after a completion finds the warm instance.
		select {
		case inst := <-e.returns:
			e.putBack(inst)
			continue
		default:
		}

		select {
		case inst := <-e.returns:
			e.putBack(inst)
		case job := <-e.jobs:
			e.dispatch(job)
		case fn := <-e.control:
			fn()
		case now := <-sweep.C:
			if expired := e.pool.Sweep(now); len(expired) > 0 {
				e.discard(expired)
				e.poolChangedFor(expired)
			}
		case <-e.closing:
			e.shutdown()
			return
		}
	}
}

func (e *Executor) dispatch(job Job) {
	inst := e.pool.Take(job.CodeID)
	if inst != nil {
		e.poolChanged(job.CodeID)
	}
	e.wg.Go(func() {
		e.run(job, inst)
	})
}

func (e *Executor) putBack(inst *sandbox.Instance) {
	if inst.Closed() {
		return
	}
	if evicted := e.pool.Put(inst, time.Now()); evicted != nil {
		e.discard([]*sandbox.Instance{evicted})
	}
	e.poolChanged(inst.CodeID)
}

// discard closes instances removed from the pool.
func (e *Executor) discard(insts []*sandbox.Instance) {
	for _, inst := range insts {
		if err := inst.Close(context.Background()); err != nil {
			e.logger.Warn("failed to close idle instance", "code_id", inst.CodeID, "instance_id", inst.ID, "error", err)
		}
		e.sink.Emit(metrics.Event{Kind: metrics.KindInstanceEvicted, CodeID: inst.CodeID})
	}
}

// poolChanged publishes the idle count of codeID.
func (e *Executor) poolChanged(codeID string) {
	e.idle.Store(int64(e.pool.Len()))
	if e.opts.Warm != nil {
		e.opts.Warm.Warm(codeID, e.pool.LenFor(codeID))
	}
}

func (e *Executor) poolChangedFor(insts []*sandbox.Instance) {
	seen := make(map[string]bool)
	for _, inst := range insts {
		if !seen[inst.CodeID] {
			seen[inst.CodeID] = true
			e.poolChanged(inst.CodeID)
		}
	}
}

func (e *Executor) shutdown() {
	e.rejectQueued()

	running := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(running)
	}()

	for {
		select {
		case inst := <-e.returns:
			e.discard([]*sandbox.Instance{inst})
		case fn := <-e.control:
			fn()
		case <-running:
			drained := e.pool.Drain()
			e.discard(drained)
			e.poolChangedFor(drained)
			e.logger.Info("executor stopped")
			return
		}
	}
}

// rejectQueued answers every job still in the intake queue. Submit cannot
// add more once closing is closed.
func (e *Executor) rejectQueued() {
	for {
		select {
		case job := <-e.jobs:
			e.reject(job)
		default:
			return
		}
	}
}

func (e *Executor) reject(job Job) {
	job.Reply <- sandbox.InternalErrorResponse()

	now := time.Now().UTC()
	status := sandbox.InternalErrorResponse().Status
	inv := &model.Invocation{
		ID:         job.ID,
		CodeID:     job.CodeID,
		Status:     model.StatusFailed,
		Cause:      model.CauseShuttingDown,
		Method:     job.Request.Method,
		Path:       job.Request.Path,
		HTTPStatus: &status,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	if err := e.store.CreateInvocation(context.Background(), inv); err != nil {
		e.logger.Error("failed to record rejected invocation", "invocation_id", job.ID, "error", err)
	}
	e.broker.Close(job.ID)
}
