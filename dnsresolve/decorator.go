package dnsresolve

import (
	"context"

	"github.com/ic-boundary/certificate-issuer/metrics"
)

// WithMetrics decorates a Resolver with the uniform outbound-operation
// instrumentation described in SPEC_FULL.md §4.10.
type WithMetrics struct {
	Resolver
	Params metrics.MetricParams
}

func (w WithMetrics) LookupCNAME(ctx context.Context, name string) (chain []string, err error) {
	err = w.Params.Do("lookup_cname", func() error {
		var innerErr error
		chain, innerErr = w.Resolver.LookupCNAME(ctx, name)
		return innerErr
	})
	return chain, err
}

func (w WithMetrics) LookupTXT(ctx context.Context, name string) (values []string, err error) {
	err = w.Params.Do("lookup_txt", func() error {
		var innerErr error
		values, innerErr = w.Resolver.LookupTXT(ctx, name)
		return innerErr
	})
	return values, err
}
