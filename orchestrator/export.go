package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"github.com/ic-boundary/certificate-issuer/codec"
	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
	"github.com/ic-boundary/certificate-issuer/metrics"
)

// DecodedPage is an export page with its records decrypted, the shape the
// HTTP export handler streams to callers.
type DecodedPage struct {
	Records    []core.CertificatePair
	NextOffset int
	Done       bool
}

// rawExport is the encrypted-page-producing contract satisfied by the raw
// Client call and by the decorators closest to the transport (Verify,
// Retry). Decode is the seam where encrypted pages become DecodedPages.
type rawExport interface {
	fetch(ctx context.Context, offset, limit int) (Page, error)
}

// Export is the decrypted-page-producing contract the HTTP API depends on.
// Building the full chain described in SPEC_FULL.md §4.5 means wrapping a
// clientSource, innermost first: Verify, Retry, Decode, Metrics, Pagination.
type Export interface {
	Fetch(ctx context.Context, offset, limit int) (DecodedPage, error)
}

// clientSource is the innermost rawExport, calling the orchestrator
// directly.
type clientSource struct {
	client Client
}

func (s clientSource) fetch(ctx context.Context, offset, limit int) (Page, error) {
	return s.client.ExportCertificates(ctx, offset, limit)
}

// WithVerify rejects any page not consistent with the orchestrator's
// event-log attestation. It is the innermost decorator: nothing downstream
// should ever see an unattested page.
type WithVerify struct {
	rawExport
	Client   Client
	Verifier Verifier
}

func (w WithVerify) fetch(ctx context.Context, offset, limit int) (Page, error) {
	page, err := w.rawExport.fetch(ctx, offset, limit)
	if err != nil {
		return Page{}, err
	}
	att, err := w.Client.VerifyCertificates(ctx, page.Records)
	if err != nil {
		return Page{}, err
	}
	if err := w.Verifier.Verify(page.Records, att); err != nil {
		return Page{}, err
	}
	return page, nil
}

// WithRetry absorbs transient RPC errors with jittered backoff, up to
// maxAttempts total tries.
type WithRetry struct {
	rawExport
	MaxAttempts int
}

func (w WithRetry) fetch(ctx context.Context, offset, limit int) (Page, error) {
	max := w.MaxAttempts
	if max <= 0 {
		max = 20
	}

	var lastErr error
	for attempt := 0; attempt < max; attempt++ {
		page, err := w.rawExport.fetch(ctx, offset, limit)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !isTransient(err) {
			return Page{}, err
		}

		backoff := time.Duration(attempt+1) * 100 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return Page{}, ierrors.TimeoutError("export retry loop cancelled: %s", ctx.Err())
		case <-time.After(backoff + jitter):
		}
	}
	return Page{}, lastErr
}

func isTransient(err error) bool {
	return ierrors.Is(err, ierrors.ConnectionFailure) || ierrors.Is(err, ierrors.Timeout)
}

// WithDecode converts stored (nonce, ciphertext) pairs into plaintext
// (private_key, chain) pairs. A decode failure fails the whole page, since
// it signals storage corruption rather than a transient condition.
type WithDecode struct {
	rawExport
	Codec *codec.Cipher
}

func (w WithDecode) Fetch(ctx context.Context, offset, limit int) (DecodedPage, error) {
	page, err := w.rawExport.fetch(ctx, offset, limit)
	if err != nil {
		return DecodedPage{}, err
	}

	out := DecodedPage{NextOffset: page.NextOffset, Done: page.Done}
	for _, rec := range page.Records {
		plaintext, err := w.Codec.Decrypt(rec.Nonce, rec.Ciphertext)
		if err != nil {
			return DecodedPage{}, err
		}
		pair, err := splitCertificatePair(rec.Name, plaintext)
		if err != nil {
			return DecodedPage{}, err
		}
		out.Records = append(out.Records, pair)
	}
	return out, nil
}

// WithExportMetrics instruments the decoded-page fetch uniformly with the
// rest of the outbound operations (SPEC_FULL.md §4.10).
type WithExportMetrics struct {
	Export
	Params metrics.MetricParams
}

func (w WithExportMetrics) Fetch(ctx context.Context, offset, limit int) (page DecodedPage, err error) {
	err = w.Params.Do("export", func() error {
		var innerErr error
		page, innerErr = w.Export.Fetch(ctx, offset, limit)
		return innerErr
	})
	return page, err
}

// WithPagination is the outermost decorator: it bounds the page size the
// caller may request, regardless of what was asked for, to cap message
// size and memory (SPEC_FULL.md §4.5 step 1).
type WithPagination struct {
	Export
	MaxPageSize int
}

func (w WithPagination) Fetch(ctx context.Context, offset, limit int) (DecodedPage, error) {
	if limit <= 0 || limit > w.MaxPageSize {
		limit = w.MaxPageSize
	}
	return w.Export.Fetch(ctx, offset, limit)
}

// NewExport assembles the full decorator chain described in SPEC_FULL.md
// §4.5, in the order: Pagination(50), Metrics, Decode, Retry(20), Verify.
func NewExport(client Client, cipher *codec.Cipher, verifier Verifier, params metrics.MetricParams) Export {
	var chain rawExport = clientSource{client: client}
	chain = WithVerify{rawExport: chain, Client: client, Verifier: verifier}
	chain = WithRetry{rawExport: chain, MaxAttempts: 20}

	decoded := Export(WithDecode{rawExport: chain, Codec: cipher})
	decoded = WithExportMetrics{Export: decoded, Params: params}
	decoded = WithPagination{Export: decoded, MaxPageSize: 50}
	return decoded
}
