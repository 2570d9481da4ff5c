package orchestrator

import (
	"context"

	"github.com/ic-boundary/certificate-issuer/core"
	"github.com/ic-boundary/certificate-issuer/metrics"
)

// WithMetrics decorates a Client with the uniform outbound-operation
// instrumentation described in SPEC_FULL.md §4.10. It does not cover
// ExportCertificates/VerifyCertificates, which are metered as part of the
// Export decorator chain (export.go) instead.
type WithMetrics struct {
	Client
	Params metrics.MetricParams
}

func (w WithMetrics) CreateRegistration(ctx context.Context, name string, canister core.Principal) (id string, err error) {
	err = w.Params.Do("create_registration", func() error {
		var innerErr error
		id, innerErr = w.Client.CreateRegistration(ctx, name, canister)
		return innerErr
	})
	return id, err
}

func (w WithMetrics) GetRegistration(ctx context.Context, id string) (reg core.Registration, err error) {
	err = w.Params.Do("get_registration", func() error {
		var innerErr error
		reg, innerErr = w.Client.GetRegistration(ctx, id)
		return innerErr
	})
	return reg, err
}

func (w WithMetrics) UpdateRegistration(ctx context.Context, id string, update RegistrationUpdate) error {
	return w.Params.Do("update_registration", func() error {
		return w.Client.UpdateRegistration(ctx, id, update)
	})
}

func (w WithMetrics) RemoveRegistration(ctx context.Context, id string) error {
	return w.Params.Do("remove_registration", func() error {
		return w.Client.RemoveRegistration(ctx, id)
	})
}

func (w WithMetrics) GetOwner(ctx context.Context, name string) (owner core.Principal, err error) {
	err = w.Params.Do("get_owner", func() error {
		var innerErr error
		owner, innerErr = w.Client.GetOwner(ctx, name)
		return innerErr
	})
	return owner, err
}

func (w WithMetrics) Queue(ctx context.Context, id string, notBefore uint64) error {
	return w.Params.Do("queue", func() error {
		return w.Client.Queue(ctx, id, notBefore)
	})
}

func (w WithMetrics) Peek(ctx context.Context) (visible bool, err error) {
	err = w.Params.Do("peek", func() error {
		var innerErr error
		visible, innerErr = w.Client.Peek(ctx)
		return innerErr
	})
	return visible, err
}

func (w WithMetrics) Dispense(ctx context.Context) (id string, task core.Task, ok bool, err error) {
	err = w.Params.Do("dispense", func() error {
		var innerErr error
		id, task, ok, innerErr = w.Client.Dispense(ctx)
		return innerErr
	})
	return id, task, ok, err
}

func (w WithMetrics) UploadCertificate(ctx context.Context, id string, cert core.EncryptedCertificate) error {
	return w.Params.Do("upload_certificate", func() error {
		return w.Client.UploadCertificate(ctx, id, cert)
	})
}

func (w WithMetrics) GetCertificate(ctx context.Context, id string) (pair core.CertificatePair, err error) {
	err = w.Params.Do("get_certificate", func() error {
		var innerErr error
		pair, innerErr = w.Client.GetCertificate(ctx, id)
		return innerErr
	})
	return pair, err
}
