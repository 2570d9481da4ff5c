package work

import (
	"context"
	"time"

	"github.com/jmhodges/clock"

	"github.com/ic-boundary/certificate-issuer/core"
)

// WithDetectRenewal wraps a processor and short-circuits ActionRenew tasks
// that were only queued as a standing 60-day heartbeat: if the live
// certificate's NotAfter is still further out than renewThreshold, it
// reports a no-op success and re-queues for exactly the remaining slack
// instead of driving the registration through the pipeline again.
type WithDetectRenewal struct {
	processor
	Orchestrator interface {
		GetCertificate(ctx context.Context, id string) (core.CertificatePair, error)
	}
	Clock clock.Clock
}

// NewDetectRenewal constructs a WithDetectRenewal wrapping inner. A
// constructor is needed here (rather than a plain struct literal) because
// the embedded processor field is unexported outside this package.
func NewDetectRenewal(inner *Processor, orch interface {
	GetCertificate(ctx context.Context, id string) (core.CertificatePair, error)
}, clk clock.Clock) WithDetectRenewal {
	return WithDetectRenewal{processor: inner, Orchestrator: orch, Clock: clk}
}

func (w WithDetectRenewal) Process(ctx context.Context, reg core.Registration, action core.Action) (Outcome, error) {
	if action != core.ActionRenew {
		return w.processor.Process(ctx, reg, action)
	}

	pair, err := w.Orchestrator.GetCertificate(ctx, reg.ID)
	if err != nil {
		return w.processor.Process(ctx, reg, action)
	}

	remaining := pair.NotAfter.Sub(w.Clock.Now())
	if remaining <= renewThreshold {
		return w.processor.Process(ctx, reg, action)
	}

	delay := remaining - renewThreshold
	if delay <= 0 {
		delay = time.Minute
	}
	return Outcome{State: reg.State, Action: core.ActionRenew, Delay: delay}, nil
}
