// Package check implements the registration checker described in
// SPEC_FULL.md §4.6: it gates every mutating API call and is re-run
// defensively at the top of each Processor action.
package check

import (
	"context"
	"fmt"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/ic-boundary/certificate-issuer/core"
	"github.com/ic-boundary/certificate-issuer/dnsresolve"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
)

// Checker verifies that a registration's domain delegates its ACME
// challenge to the operator and is currently owned by the canister it
// claims.
type Checker struct {
	Resolver         dnsresolve.Resolver
	Orchestrator     orchestrator.Client
	DelegationDomain string
}

// New constructs a Checker against delegationDomain, e.g. "delegation.example.org".
func New(resolver dnsresolve.Resolver, client orchestrator.Client, delegationDomain string) *Checker {
	return &Checker{
		Resolver:         resolver,
		Orchestrator:     client,
		DelegationDomain: core.CanonicalizeName(delegationDomain),
	}
}

// Check validates that name (already assigned registration id) is a
// well-formed domain outside the delegation zone, that its
// `_acme-challenge` subdomain CNAME-chains into `<id>.<delegation_domain>`,
// and that canister currently owns name according to the orchestrator.
func (c *Checker) Check(ctx context.Context, id, name string, canister core.Principal) error {
	name = core.CanonicalizeName(name)

	if err := c.checkSyntax(name); err != nil {
		return err
	}
	if err := c.checkDelegation(ctx, id, name); err != nil {
		return err
	}
	return c.checkOwnership(ctx, name, canister)
}

func (c *Checker) checkSyntax(name string) error {
	if name == "" || !strings.Contains(name, ".") {
		return ierrors.MalformedError("%q is not a valid fully-qualified domain name", name)
	}
	if _, err := publicsuffix.Parse(name); err != nil {
		return ierrors.MalformedError("%q is not a valid fully-qualified domain name: %s", name, err)
	}
	if name == c.DelegationDomain || strings.HasSuffix(name, "."+c.DelegationDomain) {
		return ierrors.MalformedError("%q may not itself be inside the delegation domain %s", name, c.DelegationDomain)
	}
	return nil
}

func (c *Checker) checkDelegation(ctx context.Context, id, name string) error {
	challengeName := "_acme-challenge." + name
	chain, err := c.Resolver.LookupCNAME(ctx, challengeName)
	if err != nil {
		if ierrors.Is(err, ierrors.NotFound) {
			return ierrors.New(ierrors.MissingDNSCNAME, "%s has no CNAME record", challengeName)
		}
		return ierrors.New(ierrors.MissingDNSCNAME, "failed to resolve %s: %s", challengeName, err)
	}

	want := fmt.Sprintf("%s.%s", id, c.DelegationDomain)
	for _, hop := range chain {
		if core.CanonicalizeName(hop) == want {
			return nil
		}
	}
	return ierrors.New(ierrors.InvalidDNSCNAMETarget, "%s does not CNAME-chain into %s", challengeName, want)
}

func (c *Checker) checkOwnership(ctx context.Context, name string, canister core.Principal) error {
	owner, err := c.Orchestrator.GetOwner(ctx, name)
	if err != nil {
		if ierrors.Is(err, ierrors.NotFound) {
			return ierrors.New(ierrors.MissingOwner, "no owner is known for %s", name)
		}
		return ierrors.New(ierrors.KnownDomainsUnavailable, "failed to resolve owner for %s: %s", name, err)
	}
	if owner != canister {
		return ierrors.New(ierrors.NotOwner, "%s is owned by %s, not %s", name, owner, canister)
	}
	return nil
}
