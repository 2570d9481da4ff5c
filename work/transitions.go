// Package work implements the ACME pipeline state machine (the Processor)
// and the long-lived loop that dispatches tasks to it, per SPEC_FULL.md
// §4.7-§4.8.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/ic-boundary/certificate-issuer/acmeclient"
	"github.com/ic-boundary/certificate-issuer/codec"
	"github.com/ic-boundary/certificate-issuer/core"
	"github.com/ic-boundary/certificate-issuer/dnsprovider"
	"github.com/ic-boundary/certificate-issuer/dnsresolve"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
)

const (
	// propagationWait is the re-queue delay after Order succeeds: time
	// given for the TXT record to propagate before polling for it.
	propagationWait = 30 * time.Second
	// readyPollWait is the re-queue delay after Ready succeeds, before
	// finalizing.
	readyPollWait = 5 * time.Second
	// renewSchedule is the re-queue delay after Finalize succeeds: how
	// long a freshly issued certificate is left alone before its renewal
	// is considered.
	renewSchedule = 60 * 24 * time.Hour
	// renewThreshold is how far from NotAfter a renewal task must be
	// before it actually re-enters the pipeline; see WithDetectRenewal.
	renewThreshold = 30 * 24 * time.Hour
)

// Deps bundles the dependencies every transition function needs. All of
// them are held immutably across the lifetime of the process, per
// SPEC_FULL.md §5.
type Deps struct {
	ACME             acmeclient.Client
	DNSProvider      dnsprovider.Provider
	Resolver         dnsresolve.Resolver
	Orchestrator     orchestrator.Client
	Codec            *codec.Cipher
	DelegationDomain string
}

type transitionKey struct {
	State  core.State
	Action core.Action
}

type transitionFunc func(ctx context.Context, d *Deps, reg core.Registration) (core.State, error)

// transitions is the flat (State, Action) -> work table described in
// SPEC_FULL.md §4.7 (Design Note 3): no nested switch, one function per
// row of the distilled spec's transition table.
var transitions = map[transitionKey]transitionFunc{
	{core.StatePendingOrder, core.ActionOrder}:                   doOrder,
	{core.StatePendingChallengeResponse, core.ActionReady}:       doReady,
	{core.StatePendingAcmeApproval, core.ActionFinalize}:         doFinalize,
	{core.StateAvailable, core.ActionRenew}:                      doRenew,
}

// successRule names what a transition's success re-queues as: the loop
// reads this to know both the delay and, implicitly via the registration's
// now-updated State, what action the orchestrator will dispense next.
type successRule struct {
	delay time.Duration
}

var successTable = map[transitionKey]successRule{
	{core.StatePendingOrder, core.ActionOrder}:             {delay: propagationWait},
	{core.StatePendingChallengeResponse, core.ActionReady}: {delay: readyPollWait},
	{core.StatePendingAcmeApproval, core.ActionFinalize}:   {delay: renewSchedule},
	{core.StateAvailable, core.ActionRenew}:                {delay: propagationWait},
}

func delegationTXTName(regID, delegationDomain string) string {
	return fmt.Sprintf("_acme-challenge.%s.%s", regID, delegationDomain)
}

func doOrder(ctx context.Context, d *Deps, reg core.Registration) (core.State, error) {
	orderURL, keyAuth, err := d.ACME.Order(ctx, reg.Name)
	if err != nil {
		return "", err
	}

	txtName := delegationTXTName(reg.ID, d.DelegationDomain)
	recordID, err := d.DNSProvider.Create(ctx, d.DelegationDomain, txtName, keyAuth)
	if err != nil {
		return "", err
	}

	state := core.StatePendingChallengeResponse
	update := orchestrator.RegistrationUpdate{
		State:    &state,
		TxtName:  &txtName,
		OrderURL: &orderURL,
		RecordID: &recordID,
		KeyAuth:  &keyAuth,
	}
	if err := d.Orchestrator.UpdateRegistration(ctx, reg.ID, update); err != nil {
		return "", err
	}
	return state, nil
}

func doReady(ctx context.Context, d *Deps, reg core.Registration) (core.State, error) {
	values, err := d.Resolver.LookupTXT(ctx, reg.TxtName)
	if err != nil {
		if ierrors.Is(err, ierrors.NotFound) {
			return "", ierrors.New(ierrors.AwaitingDNSPropagation, "txt record %s not yet visible", reg.TxtName)
		}
		return "", err
	}

	published := false
	for _, v := range values {
		if v == reg.KeyAuth {
			published = true
			break
		}
	}
	if !published {
		return "", ierrors.New(ierrors.AwaitingDNSPropagation, "txt record %s does not yet carry the expected key authorization", reg.TxtName)
	}

	if err := d.ACME.Ready(ctx, reg.OrderURL); err != nil {
		return "", err
	}

	state := core.StatePendingAcmeApproval
	if err := d.Orchestrator.UpdateRegistration(ctx, reg.ID, orchestrator.RegistrationUpdate{State: &state}); err != nil {
		return "", err
	}
	return state, nil
}

func doFinalize(ctx context.Context, d *Deps, reg core.Registration) (core.State, error) {
	privateKeyPEM, chainPEM, err := d.ACME.Finalize(ctx, reg.OrderURL, reg.Name)
	if err != nil {
		return "", err
	}

	nonce, ciphertext, err := d.Codec.Encrypt(orchestrator.PackCertificate(privateKeyPEM, chainPEM))
	if err != nil {
		return "", err
	}

	enc := core.EncryptedCertificate{Name: reg.Name, Nonce: nonce, Ciphertext: ciphertext}
	if err := d.Orchestrator.UploadCertificate(ctx, reg.ID, enc); err != nil {
		return "", err
	}

	if err := d.DNSProvider.Delete(ctx, d.DelegationDomain, reg.RecordID); err != nil {
		return "", err
	}

	state := core.StateAvailable
	if err := d.Orchestrator.UpdateRegistration(ctx, reg.ID, orchestrator.RegistrationUpdate{State: &state}); err != nil {
		return "", err
	}
	return state, nil
}

// doRenew re-enters the pipeline at PendingOrder and immediately proceeds
// as Order, exactly as SPEC_FULL.md §4.7 and the SUPPLEMENTED FEATURES
// section describe: Renew is not a fifth pipeline state, it is Available
// looping back to the start.
func doRenew(ctx context.Context, d *Deps, reg core.Registration) (core.State, error) {
	pendingOrder := core.StatePendingOrder
	if err := d.Orchestrator.UpdateRegistration(ctx, reg.ID, orchestrator.RegistrationUpdate{State: &pendingOrder}); err != nil {
		return "", err
	}
	reg.State = pendingOrder
	return doOrder(ctx, d, reg)
}
