package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "canister-1", nil, false)
}

func TestCreateRegistrationRoundTrips(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/"+string(MethodCreateRegistration), r.URL.Path)
		var req struct {
			Name     string         `json:"name"`
			Canister core.Principal `json:"canister"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "example.com", req.Name)
		require.Equal(t, core.Principal("aaaaa-aa"), req.Canister)

		_ = json.NewEncoder(w).Encode(map[string]string{"id": "reg-1"})
	})

	id, err := client.CreateRegistration(context.Background(), "Example.com.", core.Principal("aaaaa-aa"))
	require.NoError(t, err)
	require.Equal(t, "reg-1", id)
}

func TestDispenseReportsNoTasksWithoutError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"dispensed": false})
	})

	id, task, ok, err := client.Dispense(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, id)
	require.Zero(t, task)
}

func TestGetRegistrationNotFoundMapsToNotFoundError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetRegistration(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.NotFound))
}

func TestServiceUnavailableMapsToConnectionFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := client.Queue(context.Background(), "reg-1", 0)
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.ConnectionFailure))
}
