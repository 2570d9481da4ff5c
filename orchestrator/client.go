// Package orchestrator talks to the canister-hosted registration and task
// store, per SPEC_FULL.md §4.5. The real orchestrator speaks the Internet
// Computer's candid wire format; that encoding is out of scope (SPEC_FULL.md
// §1), so agentClient carries requests as JSON over HTTP instead, following
// the teacher's rpc.RPCClient.DispatchSync(method, body) shape with a
// concrete transport substituted for AMQP.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// Client is the narrow set of orchestrator operations the Processor, the
// work loop, and the HTTP API depend on.
type Client interface {
	CreateRegistration(ctx context.Context, name string, canister core.Principal) (id string, err error)
	GetRegistration(ctx context.Context, id string) (core.Registration, error)
	UpdateRegistration(ctx context.Context, id string, update RegistrationUpdate) error
	RemoveRegistration(ctx context.Context, id string) error
	// GetOwner resolves the canister that currently owns name, the sibling
	// lookup the registration checker uses for ownership confirmation.
	GetOwner(ctx context.Context, name string) (core.Principal, error)

	Queue(ctx context.Context, id string, notBefore uint64) error
	// Peek is a cheap query: does any task exist whose NotBefore has
	// already passed?
	Peek(ctx context.Context) (bool, error)
	// Dispense atomically reserves and returns the oldest visible task.
	// ok is false (with a nil error) when no task was visible.
	Dispense(ctx context.Context) (id string, task core.Task, ok bool, err error)

	UploadCertificate(ctx context.Context, id string, cert core.EncryptedCertificate) error
	GetCertificate(ctx context.Context, id string) (core.CertificatePair, error)

	// ExportCertificates is the undecorated page fetch; callers should go
	// through an Export chain (see export.go) rather than call this
	// directly in production code.
	ExportCertificates(ctx context.Context, offset, limit int) (Page, error)
	VerifyCertificates(ctx context.Context, batch []core.EncryptedCertificate) (Attestation, error)
}

// RegistrationUpdate is a partial update. State and Canister are the
// fields the HTTP API's PUT handler accepts from callers; Reason is set by
// the work loop when a failure moves a registration to Failed; the rest
// carry the Processor's transient challenge state between dispenses. None
// of Reason and the fields after it are set from an API request.
type RegistrationUpdate struct {
	State    *core.State         `json:"state,omitempty"`
	Canister *core.Principal     `json:"canister,omitempty"`
	Reason   *core.FailureReason `json:"reason,omitempty"`

	TxtName  *string `json:"txt_name,omitempty"`
	OrderURL *string `json:"order_url,omitempty"`
	RecordID *string `json:"record_id,omitempty"`
	KeyAuth  *string `json:"key_auth,omitempty"`
}

// Page is one page of the export stream: encrypted records plus the
// orchestrator's cursor for the next page.
type Page struct {
	Records    []core.EncryptedCertificate `json:"records"`
	NextOffset int                          `json:"next_offset"`
	Done       bool                         `json:"done"`
}

// Attestation is the orchestrator's claim that a batch of certificates is
// consistent with its committed event log, checked by Verifier.
type Attestation struct {
	Digest    []byte `json:"digest"`
	Timestamp uint64 `json:"timestamp"`
}

// Method names the orchestrator RPC dispatches on, mirroring the
// teacher's MethodNewRegistration-style constants.
type Method string

const (
	MethodCreateRegistration  Method = "CreateRegistration"
	MethodGetRegistration     Method = "GetRegistration"
	MethodUpdateRegistration  Method = "UpdateRegistration"
	MethodRemoveRegistration  Method = "RemoveRegistration"
	MethodGetOwner            Method = "GetOwner"
	MethodQueue               Method = "Queue"
	MethodPeek                Method = "Peek"
	MethodDispense            Method = "Dispense"
	MethodUploadCertificate   Method = "UploadCertificate"
	MethodGetCertificate      Method = "GetCertificate"
	MethodExportCertificates  Method = "ExportCertificates"
	MethodVerifyCertificates  Method = "VerifyCertificates"
)

// agentClient is the default Client, issuing one HTTP POST per RPC against
// baseURI+"/"+method. Requests are not signed and carry no client
// certificate; they are identified only by the X-Canister-Id and
// X-Request-Id headers.
type agentClient struct {
	httpClient   *http.Client
	baseURI      string
	canisterID   string
	identity     *x509.Certificate // stored only; not presented on calls
	rootKeyTrust bool
}

// NewClient constructs a Client against the orchestrator's HTTP endpoint.
// identity and rootKeyTrust are stored on the client but do not change how
// calls are made: no call is authenticated with identity and no root key
// is pinned, so the client relies on the transport (TLS) alone.
func NewClient(baseURI, canisterID string, identity *x509.Certificate, rootKeyTrust bool) Client {
	return &agentClient{
		httpClient:   &http.Client{},
		baseURI:      baseURI,
		canisterID:   canisterID,
		identity:     identity,
		rootKeyTrust: rootKeyTrust,
	}
}

// do dispatches method with JSON-encoded in as the body and decodes the
// JSON response into out (a pointer). It is the HTTP analogue of the
// teacher's RPCClient.DispatchSync(method, body).
func (c *agentClient) do(ctx context.Context, method Method, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return ierrors.New(ierrors.InternalServer, "failed to encode %s request: %s", method, err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/%s", c.baseURI, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return ierrors.New(ierrors.InternalServer, "failed to build %s request: %s", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Canister-Id", c.canisterID)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ierrors.TimeoutError("orchestrator call %s timed out: %s", method, err)
		}
		return ierrors.ConnectionFailureError("orchestrator call %s failed: %s", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ierrors.ConnectionFailureError("failed to read %s response: %s", method, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through
	case http.StatusNotFound:
		return ierrors.NotFoundError("orchestrator has no record for %s", method)
	case http.StatusConflict:
		return ierrors.New(ierrors.Unauthorized, "orchestrator rejected %s: not current owner", method)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ierrors.ConnectionFailureError("orchestrator unavailable for %s: %s", method, string(respBody))
	default:
		return ierrors.New(ierrors.InternalServer, "orchestrator call %s returned %d: %s", method, resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return ierrors.New(ierrors.InternalServer, "failed to decode %s response: %s", method, err)
	}
	return nil
}

func (c *agentClient) CreateRegistration(ctx context.Context, name string, canister core.Principal) (string, error) {
	req := struct {
		Name     string        `json:"name"`
		Canister core.Principal `json:"canister"`
	}{core.CanonicalizeName(name), canister}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, MethodCreateRegistration, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *agentClient) GetRegistration(ctx context.Context, id string) (core.Registration, error) {
	var reg core.Registration
	err := c.do(ctx, MethodGetRegistration, map[string]string{"id": id}, &reg)
	return reg, err
}

func (c *agentClient) UpdateRegistration(ctx context.Context, id string, update RegistrationUpdate) error {
	req := struct {
		ID string `json:"id"`
		RegistrationUpdate
	}{id, update}
	return c.do(ctx, MethodUpdateRegistration, req, nil)
}

func (c *agentClient) RemoveRegistration(ctx context.Context, id string) error {
	return c.do(ctx, MethodRemoveRegistration, map[string]string{"id": id}, nil)
}

func (c *agentClient) GetOwner(ctx context.Context, name string) (core.Principal, error) {
	var resp struct {
		Canister core.Principal `json:"canister"`
	}
	err := c.do(ctx, MethodGetOwner, map[string]string{"name": core.CanonicalizeName(name)}, &resp)
	return resp.Canister, err
}

func (c *agentClient) Queue(ctx context.Context, id string, notBefore uint64) error {
	req := struct {
		ID        string `json:"id"`
		NotBefore uint64 `json:"not_before"`
	}{id, notBefore}
	return c.do(ctx, MethodQueue, req, nil)
}

func (c *agentClient) Peek(ctx context.Context) (bool, error) {
	var resp struct {
		Visible bool `json:"visible"`
	}
	err := c.do(ctx, MethodPeek, nil, &resp)
	return resp.Visible, err
}

func (c *agentClient) Dispense(ctx context.Context) (string, core.Task, bool, error) {
	var resp struct {
		ID      string    `json:"id"`
		Task    core.Task `json:"task"`
		Dispensed bool    `json:"dispensed"`
	}
	if err := c.do(ctx, MethodDispense, nil, &resp); err != nil {
		return "", core.Task{}, false, err
	}
	return resp.ID, resp.Task, resp.Dispensed, nil
}

func (c *agentClient) UploadCertificate(ctx context.Context, id string, cert core.EncryptedCertificate) error {
	req := struct {
		ID string `json:"id"`
		core.EncryptedCertificate
	}{id, cert}
	return c.do(ctx, MethodUploadCertificate, req, nil)
}

func (c *agentClient) GetCertificate(ctx context.Context, id string) (core.CertificatePair, error) {
	var pair core.CertificatePair
	err := c.do(ctx, MethodGetCertificate, map[string]string{"id": id}, &pair)
	return pair, err
}

func (c *agentClient) ExportCertificates(ctx context.Context, offset, limit int) (Page, error) {
	req := struct {
		Offset int `json:"offset"`
		Limit  int `json:"limit"`
	}{offset, limit}
	var page Page
	err := c.do(ctx, MethodExportCertificates, req, &page)
	return page, err
}

func (c *agentClient) VerifyCertificates(ctx context.Context, batch []core.EncryptedCertificate) (Attestation, error) {
	var att Attestation
	err := c.do(ctx, MethodVerifyCertificates, struct {
		Batch []core.EncryptedCertificate `json:"batch"`
	}{batch}, &att)
	return att, err
}
