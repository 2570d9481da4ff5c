package check

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
)

type fakeResolver struct {
	cnames map[string][]string
}

func (f fakeResolver) LookupCNAME(ctx context.Context, name string) ([]string, error) {
	chain, ok := f.cnames[name]
	if !ok {
		return nil, ierrors.NotFoundError("no CNAME for %s", name)
	}
	return chain, nil
}

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return nil, ierrors.NotFoundError("no TXT for %s", name)
}

type fakeOrchestrator struct {
	orchestrator.Client
	owners map[string]core.Principal
	err    error
}

func (f fakeOrchestrator) GetOwner(ctx context.Context, name string) (core.Principal, error) {
	if f.err != nil {
		return "", f.err
	}
	owner, ok := f.owners[name]
	if !ok {
		return "", ierrors.NotFoundError("no owner for %s", name)
	}
	return owner, nil
}

func newChecker(resolver fakeResolver, orch fakeOrchestrator) *Checker {
	return New(resolver, orch, "delegation.test")
}

func TestCheckHappyPath(t *testing.T) {
	c := newChecker(
		fakeResolver{cnames: map[string][]string{"_acme-challenge.example.com": {"reg-1.delegation.test"}}},
		fakeOrchestrator{owners: map[string]core.Principal{"example.com": "aaaaa-aa"}},
	)

	err := c.Check(context.Background(), "reg-1", "Example.com.", "aaaaa-aa")
	require.NoError(t, err)
}

func TestCheckRejectsNameInsideDelegationDomain(t *testing.T) {
	c := newChecker(fakeResolver{}, fakeOrchestrator{})
	err := c.Check(context.Background(), "reg-1", "foo.delegation.test", "aaaaa-aa")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.Malformed))
}

func TestCheckMissingCNAME(t *testing.T) {
	c := newChecker(fakeResolver{cnames: map[string][]string{}}, fakeOrchestrator{})
	err := c.Check(context.Background(), "reg-1", "example.com", "aaaaa-aa")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.MissingDNSCNAME))
}

func TestCheckInvalidCNAMETarget(t *testing.T) {
	c := newChecker(
		fakeResolver{cnames: map[string][]string{"_acme-challenge.example.com": {"somewhere-else.test"}}},
		fakeOrchestrator{},
	)
	err := c.Check(context.Background(), "reg-1", "example.com", "aaaaa-aa")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.InvalidDNSCNAMETarget))
}

func TestCheckMissingOwner(t *testing.T) {
	c := newChecker(
		fakeResolver{cnames: map[string][]string{"_acme-challenge.example.com": {"reg-1.delegation.test"}}},
		fakeOrchestrator{owners: map[string]core.Principal{}},
	)
	err := c.Check(context.Background(), "reg-1", "example.com", "aaaaa-aa")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.MissingOwner))
}

func TestCheckNotOwner(t *testing.T) {
	c := newChecker(
		fakeResolver{cnames: map[string][]string{"_acme-challenge.example.com": {"reg-1.delegation.test"}}},
		fakeOrchestrator{owners: map[string]core.Principal{"example.com": "bbbbb-bb"}},
	)
	err := c.Check(context.Background(), "reg-1", "example.com", "aaaaa-aa")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.NotOwner))
}

func TestCheckOwnershipRPCFailureIsKnownDomainsUnavailable(t *testing.T) {
	c := newChecker(
		fakeResolver{cnames: map[string][]string{"_acme-challenge.example.com": {"reg-1.delegation.test"}}},
		fakeOrchestrator{err: ierrors.ConnectionFailureError("orchestrator down")},
	)
	err := c.Check(context.Background(), "reg-1", "example.com", "aaaaa-aa")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.KnownDomainsUnavailable))
}
