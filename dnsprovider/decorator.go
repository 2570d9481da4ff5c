package dnsprovider

import (
	"context"

	"github.com/ic-boundary/certificate-issuer/metrics"
)

// WithMetrics decorates a Provider with the uniform outbound-operation
// instrumentation described in SPEC_FULL.md §4.10.
type WithMetrics struct {
	Provider
	Params metrics.MetricParams
}

func (w WithMetrics) Create(ctx context.Context, zone, name, value string) (recordID string, err error) {
	err = w.Params.Do("create", func() error {
		var innerErr error
		recordID, innerErr = w.Provider.Create(ctx, zone, name, value)
		return innerErr
	})
	return recordID, err
}

func (w WithMetrics) Delete(ctx context.Context, zone, recordID string) error {
	return w.Params.Do("delete", func() error {
		return w.Provider.Delete(ctx, zone, recordID)
	})
}
