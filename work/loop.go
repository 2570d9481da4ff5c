package work

import (
	"context"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
)

// maxInFlight bounds how many dispensed tasks the loop processes
// concurrently, per SPEC_FULL.md §4.8.
const maxInFlight = 10

// Loop repeatedly peeks the orchestrator's task queue and dispenses
// whatever is visible, running up to maxInFlight Processor.Process calls
// concurrently.
type Loop struct {
	Orchestrator orchestrator.Client
	Processor    processor
	Clock        clock.Clock
	Log          *zap.Logger
	SleepOnEmpty time.Duration

	sem *semaphore.Weighted

	// failuresMu guards failures, the in-memory count of consecutive
	// failures observed per registration id. It feeds the attempt
	// argument to ierrors.DelayFor so repeated failures for the same id
	// back off toward that error type's ceiling instead of re-queueing
	// at the same flat delay forever (SPEC_FULL.md §7). It resets to zero
	// on the registration's next success and is not persisted: a process
	// restart starting the count over is acceptable since the ceiling,
	// not the exact attempt number, is what §8's Testable Property 7
	// requires to hold.
	failuresMu sync.Mutex
	failures   map[string]int
}

// NewLoop constructs a Loop. sleepOnEmpty is how long Run waits after a
// Peek finds nothing visible before polling again.
func NewLoop(orch orchestrator.Client, proc processor, clk clock.Clock, log *zap.Logger, sleepOnEmpty time.Duration) *Loop {
	return &Loop{
		Orchestrator: orch,
		Processor:    proc,
		Clock:        clk,
		Log:          log,
		SleepOnEmpty: sleepOnEmpty,
		sem:          semaphore.NewWeighted(maxInFlight),
		failures:     make(map[string]int),
	}
}

// nextAttempt returns the number of consecutive failures already observed
// for id (0 on the first failure), then records one more.
func (l *Loop) nextAttempt(id string) int {
	l.failuresMu.Lock()
	defer l.failuresMu.Unlock()
	attempt := l.failures[id]
	l.failures[id] = attempt + 1
	return attempt
}

// resetAttempts clears id's consecutive-failure count after a success.
func (l *Loop) resetAttempts(id string) {
	l.failuresMu.Lock()
	defer l.failuresMu.Unlock()
	delete(l.failures, id)
}

// Run blocks until ctx is cancelled, continuously dispensing and
// processing tasks. It returns only once ctx is done, with ctx's error.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		visible, err := l.Orchestrator.Peek(ctx)
		if err != nil {
			l.Log.Warn("peek failed", zap.Error(err))
			if !sleepCtx(ctx, l.SleepOnEmpty) {
				return ctx.Err()
			}
			continue
		}
		if !visible {
			if !sleepCtx(ctx, l.SleepOnEmpty) {
				return ctx.Err()
			}
			continue
		}

		if err := l.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer l.sem.Release(1)
			l.dispenseAndProcess(ctx)
		}()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (l *Loop) dispenseAndProcess(ctx context.Context) {
	id, task, ok, err := l.Orchestrator.Dispense(ctx)
	if err != nil {
		l.Log.Warn("dispense failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	log := l.Log.With(zap.String("registration_id", id), zap.String("action", string(task.Action)))

	reg, err := l.Orchestrator.GetRegistration(ctx, id)
	if err != nil {
		log.Error("failed to load registration after dispense, re-queueing with fallback delay", zap.Error(err))
		l.requeue(ctx, id, core.NanosFromNow(l.Clock.Now(), fallbackRequeueDelay))
		return
	}

	outcome, err := l.Processor.Process(ctx, reg, task.Action)
	if err != nil {
		l.handleFailure(ctx, log, reg, err)
		return
	}
	l.handleSuccess(ctx, log, reg.ID, outcome)
}

// fallbackRequeueDelay is used only when a registration can't be loaded
// right after a successful dispense, so neither the next action nor the
// right backoff can be determined from the failure taxonomy.
const fallbackRequeueDelay = 5 * time.Minute

func (l *Loop) handleSuccess(ctx context.Context, log *zap.Logger, id string, outcome Outcome) {
	l.resetAttempts(id)
	log.Info("task succeeded", zap.String("next_state", string(outcome.State)), zap.Duration("delay", outcome.Delay))
	l.requeue(ctx, id, core.NanosFromNow(l.Clock.Now(), outcome.Delay))
}

func (l *Loop) requeue(ctx context.Context, id string, notBefore uint64) {
	if err := l.Orchestrator.Queue(ctx, id, notBefore); err != nil {
		l.Log.Error("failed to re-queue task", zap.String("registration_id", id), zap.Error(err))
	}
}

func (l *Loop) handleFailure(ctx context.Context, log *zap.Logger, reg core.Registration, err error) {
	ie, ok := err.(*ierrors.IssuerError)
	if !ok {
		log.Error("unclassified processor error", zap.Error(err))
		return
	}

	newState, reason, unchanged := ierrors.StateFor(ie.Type, reg.State)
	attempt := l.nextAttempt(reg.ID)
	delay := ierrors.DelayFor(ie.Type, attempt)

	if !unchanged {
		update := orchestrator.RegistrationUpdate{State: &newState}
		if reason != "" {
			update.Reason = &reason
		}
		if err := l.Orchestrator.UpdateRegistration(ctx, reg.ID, update); err != nil {
			log.Error("failed to persist failure state", zap.Error(err))
		}
	}

	// A Failed registration is still re-queued with its retry delay. The
	// transitions table has no row for Failed, so each such retry fails
	// again (and backs off further) until an API PUT moves the
	// registration back to PendingOrder.
	if newState == core.StateFailed {
		log.Warn("registration moved to Failed, re-queueing for automatic retry", zap.String("reason", string(reason)), zap.Duration("delay", delay), zap.Error(err))
	} else {
		log.Info("task failed, re-queueing", zap.Duration("delay", delay), zap.Error(err))
	}
	l.requeue(ctx, reg.ID, core.NanosFromNow(l.Clock.Now(), delay))
}
