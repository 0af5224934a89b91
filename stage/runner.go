package stage

import (
	"context"
	"log/slog"
	"time"
)

// Phase tags a progress event.
type Phase string

const (
	PhaseAttempt   Phase = "attempt"
	PhaseSuccess   Phase = "success"
	PhaseRetry     Phase = "retry"
	PhaseFailure   Phase = "failure"
	PhaseCancelled Phase = "cancelled"
)

// Event is emitted before each attempt and after each outcome. Consumers
// (logging, the job index, statusd) decide what to do with it.
type Event struct {
	Stage   string
	Attempt int
	Phase   Phase
	Wait    time.Duration // backoff before the next attempt, PhaseRetry only
	Err     *Fault        // PhaseRetry/PhaseFailure only
}

// Reporter consumes progress events. Must not block.
type Reporter func(Event)

// Func is one stage attempt. It returns nil or a *Fault (anything else is
// coerced to KindInternal).
type Func func(ctx context.Context) error

// Runner executes a stage Func under the retry policy.
type Runner struct {
	MaxAttempts  int           // attempt ceiling, default 3
	Backoff      time.Duration // base backoff, doubled per attempt, default 2s
	QuotaBackoff time.Duration // base for quota faults, default 4x Backoff
	MaxBackoff   time.Duration // backoff cap, default 60s
	Timeout      time.Duration // per-attempt deadline, 0 disables
	Report       Reporter      // optional
	Logger       *slog.Logger
}

func (r *Runner) defaults() {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.Backoff <= 0 {
		r.Backoff = 2 * time.Second
	}
	if r.QuotaBackoff <= 0 {
		r.QuotaBackoff = 4 * r.Backoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 60 * time.Second
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
}

// Run drives fn until success, a non-retryable fault, the attempt ceiling,
// or cancellation. The returned error is always nil or a *Fault; the fault
// of the final attempt is returned unchanged, never swallowed.
func (r *Runner) Run(ctx context.Context, name string, fn Func) error {
	r.defaults()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.cancelled(name, attempt, err)
		}

		r.emit(Event{Stage: name, Attempt: attempt, Phase: PhaseAttempt})

		fault := r.runOnce(ctx, fn)
		if fault == nil {
			r.emit(Event{Stage: name, Attempt: attempt, Phase: PhaseSuccess})
			return nil
		}
		if fault.Kind == KindCancelled || ctx.Err() != nil {
			return r.cancelled(name, attempt, fault)
		}
		if !fault.Retryable() || attempt >= r.MaxAttempts {
			r.emit(Event{Stage: name, Attempt: attempt, Phase: PhaseFailure, Err: fault})
			r.Logger.Error("stage failed", "stage", name, "attempt", attempt, "kind", fault.Kind, "error", fault.Message)
			return fault
		}

		wait := r.backoff(fault.Kind, attempt)
		r.emit(Event{Stage: name, Attempt: attempt, Phase: PhaseRetry, Wait: wait, Err: fault})
		r.Logger.Warn("stage attempt failed, retrying",
			"stage", name, "attempt", attempt, "kind", fault.Kind, "backoff", wait, "error", fault.Message)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return r.cancelled(name, attempt, ctx.Err())
		}
	}
}

// runOnce executes a single attempt under the per-attempt deadline.
func (r *Runner) runOnce(parent context.Context, fn Func) *Fault {
	ctx := parent
	cancel := context.CancelFunc(func() {})
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.Timeout)
	}
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}

	fault := AsFault(err)
	// A hit on the per-attempt deadline is a retryable timeout unless the
	// stage already classified itself as something non-retryable.
	if ctx.Err() == context.DeadlineExceeded && parent.Err() == nil && fault.Retryable() {
		return Wrap(KindTimeout, fault, "attempt deadline exceeded")
	}
	return fault
}

// backoff returns base * 2^(attempt-1) capped at MaxBackoff. Quota faults
// start from the extended base. Monotonically non-decreasing per stage.
func (r *Runner) backoff(kind Kind, attempt int) time.Duration {
	base := r.Backoff
	if kind == KindQuota {
		base = r.QuotaBackoff
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	if wait > r.MaxBackoff {
		wait = r.MaxBackoff
	}
	return wait
}

func (r *Runner) cancelled(name string, attempt int, cause error) *Fault {
	fault := AsFault(cause)
	if fault.Kind != KindCancelled {
		fault = Wrap(KindCancelled, cause, "stage cancelled")
	}
	r.emit(Event{Stage: name, Attempt: attempt, Phase: PhaseCancelled, Err: fault})
	r.Logger.Info("stage cancelled", "stage", name, "attempt", attempt)
	return fault
}

func (r *Runner) emit(ev Event) {
	if r.Report != nil {
		r.Report(ev)
	}
}
