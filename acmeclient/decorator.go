package acmeclient

import (
	"context"

	"github.com/ic-boundary/certificate-issuer/metrics"
)

// WithMetrics decorates a Client with the uniform outbound-operation
// instrumentation described in SPEC_FULL.md §4.10.
type WithMetrics struct {
	Client
	Params metrics.MetricParams
}

func (w WithMetrics) Order(ctx context.Context, name string) (orderURL, keyAuth string, err error) {
	err = w.Params.Do("order", func() error {
		var innerErr error
		orderURL, keyAuth, innerErr = w.Client.Order(ctx, name)
		return innerErr
	})
	return orderURL, keyAuth, err
}

func (w WithMetrics) Ready(ctx context.Context, orderURL string) error {
	return w.Params.Do("ready", func() error {
		return w.Client.Ready(ctx, orderURL)
	})
}

func (w WithMetrics) Finalize(ctx context.Context, orderURL, name string) (privateKeyPEM, chainPEM []byte, err error) {
	err = w.Params.Do("finalize", func() error {
		var innerErr error
		privateKeyPEM, chainPEM, innerErr = w.Client.Finalize(ctx, orderURL, name)
		return innerErr
	})
	return privateKeyPEM, chainPEM, err
}
