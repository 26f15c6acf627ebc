package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/metrics"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
)

// outcome is what a job's execution left behind.
type outcome struct {
	inst  *sandbox.Instance
	keep  bool
	cause string
	cpu   time.Duration
}

type taskResult struct {
	code     int32
	err      error
	panicked bool
}

// run drives one job to its single reply: pending, running, then completed
// or failed.
func (e *Executor) run(job Job, inst *sandbox.Instance) {
	defer e.broker.Close(job.ID)

	start := time.Now()
	inv := &model.Invocation{
		ID:        job.ID,
		CodeID:    job.CodeID,
		Status:    model.StatusRunning,
		Method:    job.Request.Method,
		Path:      job.Request.Path,
		Reused:    inst != nil,
		CreatedAt: start.UTC(),
	}
	if err := e.store.CreateInvocation(context.Background(), inv); err != nil {
		e.logger.Error("failed to record invocation", "invocation_id", job.ID, "error", err)
	}

	replied := false
	var httpStatus int
	reply := func(resp sandbox.Response) {
		if replied {
			return
		}
		replied = true
		httpStatus = resp.Status
		job.Reply <- resp
	}

	out := e.execute(job, inst, reply)
	if !replied {
		reply(sandbox.InternalErrorResponse())
	}

	now := time.Now().UTC()
	durationMS := time.Since(start).Milliseconds()
	cpuMS := out.cpu.Milliseconds()
	finished := &model.Invocation{
		ID:         job.ID,
		Status:     model.StatusCompleted,
		Cause:      out.cause,
		HTTPStatus: &httpStatus,
		Reused:     inv.Reused,
		CPUMS:      &cpuMS,
		DurationMS: &durationMS,
		FinishedAt: &now,
	}
	if out.cause != model.CauseNone {
		finished.Status = model.StatusFailed
	}
	if err := e.store.FinishInvocation(context.Background(), finished); err != nil {
		e.logger.Error("failed to finish invocation", "invocation_id", job.ID, "error", err)
	}

	logAttrs := []any{
		"invocation_id", job.ID,
		"code_id", job.CodeID,
		"status", httpStatus,
		"reused", inv.Reused,
		"cpu_ms", cpuMS,
		"duration_ms", durationMS,
	}
	if out.cause != model.CauseNone {
		e.logger.Warn("job failed", append(logAttrs, "cause", out.cause)...)
	} else {
		e.logger.Debug("job completed", logAttrs...)
	}

	if out.inst == nil {
		return
	}
	if out.keep {
		e.returns <- out.inst
		return
	}
	if err := out.inst.Close(context.Background()); err != nil {
		e.logger.Warn("failed to close instance", "code_id", job.CodeID, "instance_id", out.inst.ID, "error", err)
	}
}

// execute obtains an instance if the pool had none, runs the handler and
// classifies the result. reply is called at most once, with the guest's
// announced response.
func (e *Executor) execute(job Job, inst *sandbox.Instance, reply func(sandbox.Response)) outcome {
	ctx, cancel := context.WithCancelCause(e.base)
	defer cancel(nil)

	if inst == nil {
		var err error
		inst, err = e.instantiate(ctx, job)
		if errors.Is(err, errTemplateUnavailable) {
			return outcome{cause: model.CauseTemplate}
		}
		if err != nil {
			e.logger.Warn("instantiate failed", "invocation_id", job.ID, "code_id", job.CodeID, "error", err)
			e.sink.Emit(metrics.Event{Kind: metrics.KindInstantiateError, CodeID: job.CodeID, Cause: model.CauseInstantiate})
			return outcome{cause: model.CauseInstantiate}
		}
		e.sink.Emit(metrics.Event{Kind: metrics.KindInstanceCreated, CodeID: job.CodeID})
	} else {
		e.sink.Emit(metrics.Event{Kind: metrics.KindInstanceReused, CodeID: job.CodeID})
	}

	call := sandbox.NewCall(job.Request, sandbox.NewMeter(), e.logWriter(job.ID))
	go sandbox.Watch(ctx, call.Meter(), e.opts.Limits, cancel)

	done := make(chan taskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskResult{panicked: true, err: fmt.Errorf("handler task panicked: %v", r)}
			}
		}()
		code, err := inst.Call(ctx, call)
		done <- taskResult{code: code, err: err}
	}()

	resp, announced := <-call.Announced()
	if announced {
		reply(resp)
	}
	res := <-done

	out := outcome{inst: inst, cpu: call.Meter().Elapsed()}
	budgetExceeded := errors.Is(context.Cause(ctx), sandbox.ErrCPUBudgetExceeded)
	e.sink.Emit(metrics.Event{Kind: metrics.KindCPUTime, CodeID: job.CodeID, Duration: out.cpu})

	ev := metrics.Event{CodeID: job.CodeID}
	switch {
	case res.panicked:
		ev.Kind, out.cause = metrics.KindJoinFailure, model.CauseJoinFailure
	case res.err != nil && sandbox.Interrupted(res.err) && budgetExceeded:
		ev.Kind, out.cause = metrics.KindTrap, model.CauseCPUBudget
	case res.err != nil && sandbox.Interrupted(res.err):
		ev.Kind, out.cause = metrics.KindCancelled, model.CauseCancelled
	case res.err != nil:
		ev.Kind, out.cause = metrics.KindTrap, model.CauseTrap
	case res.code != 0:
		ev.Kind, out.cause, ev.Code = metrics.KindGuestError, model.CauseGuestError, res.code
	case !announced:
		ev.Kind, out.cause = metrics.KindNoResponse, model.CauseNoResponse
	default:
		out.keep = true
		return out
	}

	ev.Cause = out.cause
	e.sink.Emit(ev)
	if res.err != nil {
		e.logger.Debug("handler error", "invocation_id", job.ID, "code_id", job.CodeID, "error", res.err)
	}
	return out
}

var errTemplateUnavailable = errors.New("template unavailable")

// instantiate fetches the template for job and spawns an instance from it.
// A template closed by a cache eviction between the fetch and the
// instantiation is fetched once more.
func (e *Executor) instantiate(ctx context.Context, job Job) (*sandbox.Instance, error) {
	for attempt := 0; ; attempt++ {
		tmpl, err := e.templates.Get(ctx, job.CodeID)
		if err != nil {
			e.logger.Warn("template unavailable", "invocation_id", job.ID, "code_id", job.CodeID, "error", err)
			return nil, fmt.Errorf("%w: %w", errTemplateUnavailable, err)
		}
		inst, err := tmpl.Instantiate(ctx)
		if errors.Is(err, sandbox.ErrTemplateClosed) && attempt == 0 {
			e.logger.Debug("template closed before instantiation, refetching", "invocation_id", job.ID, "code_id", job.CodeID)
			continue
		}
		return inst, err
	}
}

// logWriter persists guest log lines for historical viewing and publishes
// them to the LogBroker for live streaming.
func (e *Executor) logWriter(invocationID string) func(string) {
	var seq atomic.Int32
	return func(line string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), invocationID, n, line); err != nil {
			e.logger.Error("failed to persist log line", "invocation_id", invocationID, "seq", n, "error", err)
		}
		e.broker.Publish(model.LogLine{
			InvocationID: invocationID,
			Seq:          n,
			Line:         line,
			CreatedAt:    time.Now().UTC(),
		})
	}
}
