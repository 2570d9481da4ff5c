package work

import (
	"context"
	"time"

	"github.com/ic-boundary/certificate-issuer/check"
	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// Outcome is what a single Processor step produced: the registration's new
// state, the next action that should be scheduled, and how long to wait
// before that next action becomes visible.
type Outcome struct {
	State  core.State
	Action core.Action
	Delay  time.Duration
}

type processor interface {
	Process(ctx context.Context, reg core.Registration, action core.Action) (Outcome, error)
}

// Processor runs one step of the ACME issuance pipeline for a registration,
// dispatching on (reg.State, action) through the transitions table.
type Processor struct {
	Deps    Deps
	Checker *check.Checker
}

// New constructs a Processor from its dependencies.
func New(deps Deps, checker *check.Checker) *Processor {
	return &Processor{Deps: deps, Checker: checker}
}

// Process re-validates the registration's delegation and ownership, then
// runs the transition function bound to (reg.State, action), returning the
// Outcome the work loop should re-queue.
func (p *Processor) Process(ctx context.Context, reg core.Registration, action core.Action) (Outcome, error) {
	if err := p.Checker.Check(ctx, reg.ID, reg.Name, reg.Canister); err != nil {
		return Outcome{}, err
	}

	key := transitionKey{State: reg.State, Action: action}
	fn, ok := transitions[key]
	if !ok {
		return Outcome{}, ierrors.New(ierrors.UnexpectedError, "no transition for state=%s action=%s", reg.State, action)
	}

	newState, err := fn(ctx, &p.Deps, reg)
	if err != nil {
		return Outcome{}, err
	}

	rule, ok := successTable[key]
	if !ok {
		return Outcome{}, ierrors.New(ierrors.UnexpectedError, "no success rule for state=%s action=%s", reg.State, action)
	}

	return Outcome{State: newState, Action: nextAction(newState), Delay: rule.delay}, nil
}

// nextAction derives the action a freshly-reached state implies, mirroring
// the one-to-one (State, Action) pairing the transition table already
// encodes: the orchestrator's Dispense call resolves an action from state
// alone, so the loop must agree on the same mapping when it re-queues.
func nextAction(state core.State) core.Action {
	switch state {
	case core.StatePendingOrder:
		return core.ActionOrder
	case core.StatePendingChallengeResponse:
		return core.ActionReady
	case core.StatePendingAcmeApproval:
		return core.ActionFinalize
	case core.StateAvailable:
		return core.ActionRenew
	default:
		return ""
	}
}
