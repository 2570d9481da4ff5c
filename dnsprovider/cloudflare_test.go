package dnsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cloudflare/cloudflare-go"
	"github.com/stretchr/testify/require"
)

// fakeCloudflareAPI is a minimal in-memory stand-in for the parts of the
// Cloudflare REST API this package's adapter calls, following the
// teacher's preference for exercising real client code against a local
// httptest server rather than mocking the client itself.
type fakeCloudflareAPI struct {
	mu      sync.Mutex
	nextID  int
	records map[string]cfRecord // id -> record
}

type cfRecord struct {
	ID      string
	Type    string
	Name    string
	Content string
}

func newFakeCloudflareAPI() *fakeCloudflareAPI {
	return &fakeCloudflareAPI{records: make(map[string]cfRecord)}
}

func (f *fakeCloudflareAPI) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/zones", f.handleZones)
	mux.HandleFunc("/zones/zone-1/dns_records", f.handleRecords)
	mux.HandleFunc("/zones/zone-1/dns_records/", f.handleRecordByID)
	return httptest.NewServer(mux)
}

func writeSuccess(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"errors":  []interface{}{},
		"result":  result,
	})
}

func (f *fakeCloudflareAPI) handleZones(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, []map[string]string{{"id": "zone-1", "name": "delegation.test"}})
}

func (f *fakeCloudflareAPI) handleRecords(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		name := r.URL.Query().Get("name")
		var out []cfRecord
		for _, rec := range f.records {
			if name == "" || rec.Name == name {
				out = append(out, rec)
			}
		}
		writeSuccess(w, out)
	case http.MethodPost:
		var body cfRecord
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		body.ID = fmt.Sprintf("rec-%d", f.nextID)
		f.records[body.ID] = body
		writeSuccess(w, body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCloudflareAPI) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.URL.Path[len("/zones/zone-1/dns_records/"):]
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := f.records[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"errors": []map[string]interface{}{
				{"code": 81044, "message": "Record does not exist."},
			},
		})
		return
	}
	delete(f.records, id)
	writeSuccess(w, map[string]string{"id": id})
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Cloudflare {
	t.Helper()
	api, err := cloudflare.NewWithAPIToken("fake-token", cloudflare.UsingBaseURL(srv.URL))
	require.NoError(t, err)
	return &Cloudflare{api: api}
}

func TestCreateIsIdempotent(t *testing.T) {
	fake := newFakeCloudflareAPI()
	srv := fake.server()
	defer srv.Close()

	p := newTestProvider(t, srv)
	ctx := context.Background()

	id1, err := p.Create(ctx, "delegation.test", "_acme-challenge.reg-1.delegation.test", "key-auth-value")
	require.NoError(t, err)

	id2, err := p.Create(ctx, "delegation.test", "_acme-challenge.reg-1.delegation.test", "key-auth-value")
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Len(t, fake.records, 1)
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	fake := newFakeCloudflareAPI()
	srv := fake.server()
	defer srv.Close()

	p := newTestProvider(t, srv)

	err := p.Delete(context.Background(), "delegation.test", "does-not-exist")
	require.NoError(t, err)
}

func TestDeleteThenRecreateConverges(t *testing.T) {
	fake := newFakeCloudflareAPI()
	srv := fake.server()
	defer srv.Close()

	p := newTestProvider(t, srv)
	ctx := context.Background()

	id, err := p.Create(ctx, "delegation.test", "_acme-challenge.reg-2.delegation.test", "value")
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, "delegation.test", id))
	require.NoError(t, p.Delete(ctx, "delegation.test", id)) // second delete is a no-op
}
