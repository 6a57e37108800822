package pipeline

import (
	"context"

	"github.com/ocx/evmd/internal/eval"
	"github.com/ocx/evmd/internal/fault"
	"github.com/ocx/evmd/internal/hooks"
)

// postJob is one vm.post dispatch waiting in the worker pool's queue.
// Grounded in the teacher's webhooks.deliveryJob: a unit of work plus a
// channel the submitter waits on for the outcome, the same shape as
// EscrowGate's per-item done channel.
type postJob struct {
	ctx  context.Context
	e    *eval.Eval
	done chan error
}

// postWorker drains the post queue until it's closed, the same
// for-range-over-channel shape as webhooks.Dispatcher.worker.
func (p *Pipeline) postWorker() {
	defer p.postWG.Done()
	for job := range p.postQueue {
		job.done <- p.Hooks.Dispatch(job.ctx, hooks.SitePost, &hooks.Context{Event: job.e.Event})
	}
}

// submitPost enqueues e's vm.post dispatch and returns immediately once
// the job is admitted to the worker pool — it does not wait for the
// dispatch itself to finish. Submission is still bounded by the pool's
// queue depth, so a stalled post stage eventually backpressures new
// evaluations instead of queuing forever; it just no longer forces the
// retire barrier to wait behind it (spec.md §4.F steps 7-9, and §9's
// open question about vm.post backpressure stalling retirement).
func (p *Pipeline) submitPost(ctx context.Context, e *eval.Eval) (*postJob, error) {
	job := &postJob{ctx: ctx, e: e, done: make(chan error, 1)}

	if p.Metrics != nil {
		p.Metrics.PostQueueDepth.Set(float64(len(p.postQueue)))
	}

	select {
	case p.postQueue <- job:
		return job, nil
	case <-ctx.Done():
		return nil, fault.Wrap(fault.INTERRUPT, ctx.Err(), "post queue submission interrupted")
	}
}

// awaitPost blocks until job's vm.post dispatch completes or ctx is
// cancelled — the post-completion barrier (spec.md §4.F step 9).
func (p *Pipeline) awaitPost(ctx context.Context, e *eval.Eval, job *postJob) error {
	select {
	case err := <-job.done:
		if err == nil {
			return nil
		}
		code := fault.CodeOf(err)
		e.Flag(code)
		return normalizeFault(code, err)
	case <-ctx.Done():
		return fault.Wrap(fault.INTERRUPT, ctx.Err(), "post completion wait interrupted")
	}
}

// runPost submits e's vm.post dispatch and blocks until it completes —
// submitPost and awaitPost run back to back with nothing in between.
// Used wherever there is no retire barrier to decouple post from (the
// ephemeral path, and the durable path when O.write is false); the
// durable write path instead calls submitPost and awaitPost separately
// around retireAndNotify so a backed-up post pool can't stall
// retirement.
func (p *Pipeline) runPost(ctx context.Context, e *eval.Eval) error {
	job, err := p.submitPost(ctx, e)
	if err != nil {
		return err
	}
	return p.awaitPost(ctx, e, job)
}

// retireAndNotify runs the retire barrier for seq: once every lower
// sequence has retired, it dispatches vm.notify and publishes the
// event through the configured Broadcaster, in that order, then
// advances the retired watermark.
func (p *Pipeline) retireAndNotify(ctx context.Context, e *eval.Eval, seq int64) error {
	return p.Dock.RetireWait(ctx, seq, func() error {
		if !e.Opts.NotifyServers {
			return nil
		}
		if err := p.Hooks.Dispatch(ctx, hooks.SiteNotify, &hooks.Context{Event: e.Event}); err != nil {
			code := fault.CodeOf(err)
			e.Flag(code)
			return normalizeFault(code, err)
		}
		if p.Notify == nil {
			return nil
		}
		if err := p.Notify.Publish(ctx, e.Event); err != nil {
			return fault.Wrap(fault.GENERAL, err, "publishing notification for sequence %d", seq)
		}
		return nil
	})
}
