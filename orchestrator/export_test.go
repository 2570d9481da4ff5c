package orchestrator

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/ic-boundary/certificate-issuer/codec"
	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/metrics"
	"go.uber.org/zap"
)

// fakeExportClient implements Client, serving canned pages for the export
// chain tests below. Every method besides ExportCertificates/
// VerifyCertificates is unused by these tests.
type fakeExportClient struct {
	Client
	pages      []Page
	fetchCalls int
	failUntil  int // ExportCertificates fails with ConnectionFailure this many times before succeeding
	lastLimit  int // limit passed to the most recent ExportCertificates call
}

func (f *fakeExportClient) ExportCertificates(ctx context.Context, offset, limit int) (Page, error) {
	f.lastLimit = limit
	if f.fetchCalls < f.failUntil {
		f.fetchCalls++
		return Page{}, ierrors.ConnectionFailureError("simulated transient failure")
	}
	f.fetchCalls++
	idx := offset / 50
	if idx >= len(f.pages) {
		return Page{Done: true}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeExportClient) VerifyCertificates(ctx context.Context, batch []core.EncryptedCertificate) (Attestation, error) {
	return attestationFor(batch, 42)
}

func attestationFor(batch []core.EncryptedCertificate, ts uint64) (Attestation, error) {
	stream := make(EventStream, 0, len(batch))
	for _, rec := range batch {
		stream = append(stream, Event{
			Timestamp: ts,
			Kind:      EventKindCertificateExported,
			Payload:   append([]byte(rec.Name+"\x00"), rec.Ciphertext...),
		})
	}
	encoded, err := cbor.Marshal(stream)
	if err != nil {
		return Attestation{}, err
	}
	digest := sha256.Sum256(encoded)
	return Attestation{Digest: digest[:], Timestamp: ts}, nil
}

func testCipher(t *testing.T) *codec.Cipher {
	t.Helper()
	c, err := codec.New(make([]byte, 32))
	require.NoError(t, err)
	return c
}

func encryptedRecordFor(t *testing.T, cipher *codec.Cipher, name string, privateKeyPEM, chainPEM []byte) core.EncryptedCertificate {
	t.Helper()
	nonce, ciphertext, err := cipher.Encrypt(PackCertificate(privateKeyPEM, chainPEM))
	require.NoError(t, err)
	return core.EncryptedCertificate{Name: name, Nonce: nonce, Ciphertext: ciphertext}
}

func TestExportChainDecryptsAndVerifies(t *testing.T) {
	cipher := testCipher(t)
	rec := encryptedRecordFor(t, cipher, "example.com", []byte("priv"), pemCertFixture(t))

	fake := &fakeExportClient{pages: []Page{
		{Records: []core.EncryptedCertificate{rec}, NextOffset: 50, Done: true},
	}}

	exp := NewExport(fake, cipher, NewVerifier(false), metrics.NewMetricParams(metrics.NewNoopScope(), zap.NewNop(), "orchestrator", "export"))

	page, err := exp.Fetch(context.Background(), 0, 200) // oversized request, clamped by Pagination
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "example.com", page.Records[0].Name)
	require.Equal(t, []byte("priv"), page.Records[0].PrivateKey)
	require.True(t, page.Done)
}

func TestExportChainRejectsBadAttestation(t *testing.T) {
	cipher := testCipher(t)
	rec := encryptedRecordFor(t, cipher, "example.com", []byte("priv"), pemCertFixture(t))

	fake := &tamperedAttestationClient{fakeExportClient: fakeExportClient{pages: []Page{
		{Records: []core.EncryptedCertificate{rec}, Done: true},
	}}}

	exp := NewExport(fake, cipher, NewVerifier(false), metrics.NewMetricParams(metrics.NewNoopScope(), zap.NewNop(), "orchestrator", "export"))

	_, err := exp.Fetch(context.Background(), 0, 50)
	require.Error(t, err)
	require.True(t, ierrors.Is(err, ierrors.Integrity))
}

type tamperedAttestationClient struct {
	fakeExportClient
}

func (f *tamperedAttestationClient) VerifyCertificates(ctx context.Context, batch []core.EncryptedCertificate) (Attestation, error) {
	return Attestation{Digest: []byte("not-the-right-digest"), Timestamp: 1}, nil
}

func TestExportChainRetriesTransientFailures(t *testing.T) {
	cipher := testCipher(t)
	rec := encryptedRecordFor(t, cipher, "example.com", []byte("priv"), pemCertFixture(t))

	fake := &fakeExportClient{
		pages:     []Page{{Records: []core.EncryptedCertificate{rec}, Done: true}},
		failUntil: 3,
	}

	exp := NewExport(fake, cipher, NewVerifier(false), metrics.NewMetricParams(metrics.NewNoopScope(), zap.NewNop(), "orchestrator", "export"))

	page, err := exp.Fetch(context.Background(), 0, 50)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.GreaterOrEqual(t, fake.fetchCalls, 4)
}

func TestPaginationClampsRequestedLimit(t *testing.T) {
	cipher := testCipher(t)
	fake := &fakeExportClient{pages: []Page{{Done: true}}}
	exp := NewExport(fake, cipher, NewVerifier(false), metrics.NewMetricParams(metrics.NewNoopScope(), zap.NewNop(), "orchestrator", "export"))

	clamped, ok := exp.(WithPagination)
	require.True(t, ok)
	require.Equal(t, 50, clamped.MaxPageSize)

	_, err := exp.Fetch(context.Background(), 0, 200)
	require.NoError(t, err)
	require.Equal(t, 50, fake.lastLimit)
}
