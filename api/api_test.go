package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ic-boundary/certificate-issuer/check"
	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/orchestrator"
)

type fakeResolver struct{}

func (fakeResolver) LookupCNAME(ctx context.Context, name string) ([]string, error) {
	return []string{"reg-1.delegation.test"}, nil
}

func (fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return nil, ierrors.NotFoundError("no txt")
}

type fakeOrchestrator struct {
	orchestrator.Client
	regs        map[string]core.Registration
	owner       core.Principal
	createErr   error
	removed     []string
	queued      []string
	nextID      string
}

func (f *fakeOrchestrator) CreateRegistration(ctx context.Context, name string, canister core.Principal) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := f.nextID
	f.regs[id] = core.Registration{ID: id, Name: name, Canister: canister, State: core.StatePendingOrder}
	return id, nil
}

func (f *fakeOrchestrator) GetRegistration(ctx context.Context, id string) (core.Registration, error) {
	reg, ok := f.regs[id]
	if !ok {
		return core.Registration{}, ierrors.NotFoundError("no registration %s", id)
	}
	return reg, nil
}

func (f *fakeOrchestrator) UpdateRegistration(ctx context.Context, id string, update orchestrator.RegistrationUpdate) error {
	reg := f.regs[id]
	if update.State != nil {
		reg.State = *update.State
	}
	if update.Canister != nil {
		reg.Canister = *update.Canister
	}
	f.regs[id] = reg
	return nil
}

func (f *fakeOrchestrator) RemoveRegistration(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.regs, id)
	return nil
}

func (f *fakeOrchestrator) GetOwner(ctx context.Context, name string) (core.Principal, error) {
	return f.owner, nil
}

func (f *fakeOrchestrator) Queue(ctx context.Context, id string, notBefore uint64) error {
	f.queued = append(f.queued, id)
	return nil
}

func newTestServer(orch *fakeOrchestrator) http.Handler {
	checker := check.New(fakeResolver{}, orch, "delegation.test")
	return New(orch, checker, nil, clock.NewFake(), zap.NewNop())
}

func TestCreateRegistrationHappyPath(t *testing.T) {
	orch := &fakeOrchestrator{regs: map[string]core.Registration{}, owner: "aaaaa-aa", nextID: "reg-1"}
	srv := newTestServer(orch)

	body, _ := json.Marshal(createRegistrationRequest{Name: "Example.com.", Canister: "aaaaa-aa"})
	req := httptest.NewRequest(http.MethodPost, "/registrations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp createRegistrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "reg-1", resp.ID)
	require.Equal(t, []string{"reg-1"}, orch.queued)
	require.Empty(t, orch.removed)
}

func TestCreateRegistrationRollsBackOnFailedCheck(t *testing.T) {
	orch := &fakeOrchestrator{regs: map[string]core.Registration{}, owner: "bbbbb-bb", nextID: "reg-1"}
	srv := newTestServer(orch)

	body, _ := json.Marshal(createRegistrationRequest{Name: "example.com", Canister: "aaaaa-aa"})
	req := httptest.NewRequest(http.MethodPost, "/registrations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, []string{"reg-1"}, orch.removed)
	require.Empty(t, orch.queued)
}

func TestGetRegistrationNotFound(t *testing.T) {
	orch := &fakeOrchestrator{regs: map[string]core.Registration{}}
	srv := newTestServer(orch)

	req := httptest.NewRequest(http.MethodGet, "/registrations/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateRegistrationRejectsIllegalTransition(t *testing.T) {
	orch := &fakeOrchestrator{
		regs:  map[string]core.Registration{"reg-1": {ID: "reg-1", Name: "example.com", Canister: "aaaaa-aa", State: core.StatePendingOrder}},
		owner: "aaaaa-aa",
	}
	srv := newTestServer(orch)

	avail := core.StateAvailable
	body, _ := json.Marshal(updateRegistrationRequest{State: &avail})
	req := httptest.NewRequest(http.MethodPut, "/registrations/reg-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateRegistrationAllowsFailedToPendingOrder(t *testing.T) {
	orch := &fakeOrchestrator{
		regs:  map[string]core.Registration{"reg-1": {ID: "reg-1", Name: "example.com", Canister: "aaaaa-aa", State: core.StateFailed}},
		owner: "aaaaa-aa",
	}
	srv := newTestServer(orch)

	pending := core.StatePendingOrder
	body, _ := json.Marshal(updateRegistrationRequest{State: &pending})
	req := httptest.NewRequest(http.MethodPut, "/registrations/reg-1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, core.StatePendingOrder, orch.regs["reg-1"].State)
}

func TestRemoveRegistrationChecksOwnershipFirst(t *testing.T) {
	orch := &fakeOrchestrator{
		regs:  map[string]core.Registration{"reg-1": {ID: "reg-1", Name: "example.com", Canister: "aaaaa-aa", State: core.StateAvailable}},
		owner: "ccccc-cc",
	}
	srv := newTestServer(orch)

	req := httptest.NewRequest(http.MethodDelete, "/registrations/reg-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, orch.removed)
}

func TestMethodNotAllowed(t *testing.T) {
	orch := &fakeOrchestrator{regs: map[string]core.Registration{}}
	srv := newTestServer(orch)

	req := httptest.NewRequest(http.MethodDelete, "/registrations", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
