// Package acmeclient drives the ACME protocol (RFC 8555, DNS-01 challenge
// only) against an upstream CA, per SPEC_FULL.md §4.4.
package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"sync"
	"time"

	"github.com/eggsampler/acme/v3"

	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// Client drives the three ACME operations the Processor's state table
// needs: Order, Ready and Finalize. Identifiers passed to Order must
// already be in their final wire form; callers that need IDNA
// normalization should go through WithIDNA.
type Client interface {
	// Order opens a new order for name and returns its URL together with
	// the DNS-01 key authorization to publish at the challenge name.
	Order(ctx context.Context, name string) (orderURL, keyAuthorization string, err error)
	// Ready tells the CA the DNS-01 record is in place and polls the
	// order until it reaches "ready" or "valid", using a bounded
	// exponential backoff. A terminal "invalid" status surfaces as
	// ierrors.OrderExpired; an order still not ready after the last poll
	// surfaces as ierrors.AwaitingACMEOrderReady.
	Ready(ctx context.Context, orderURL string) error
	// Finalize generates a fresh key pair, submits its CSR, and returns
	// the new PEM-encoded private key and certificate chain.
	Finalize(ctx context.Context, orderURL, name string) (privateKeyPEM, chainPEM []byte, err error)
}

// pollBackoff is the bounded, roughly exponential schedule Ready waits
// between order polls, kept as a table rather than computed in the loop.
var pollBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
}

// acmeClient adapts eggsampler/acme's Client/Account pair to Client.
type acmeClient struct {
	client  acme.Client
	account acme.Account

	// ordersMu guards orders: the work loop runs up to maxInFlight
	// Processor invocations concurrently (work/loop.go) against this one
	// shared Client, so concurrent Order/Ready/Finalize calls for
	// different registrations would otherwise race on the same map.
	ordersMu sync.Mutex
	// orders tracks the acme.Order value returned by NewOrder, keyed by
	// its URL, so Ready and Finalize can resume the in-process order
	// object instead of refetching it from scratch.
	orders map[string]acme.Order
}

func (c *acmeClient) putOrder(url string, order acme.Order) {
	c.ordersMu.Lock()
	c.orders[url] = order
	c.ordersMu.Unlock()
}

func (c *acmeClient) getOrder(url string) (acme.Order, bool) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	order, ok := c.orders[url]
	return order, ok
}

func (c *acmeClient) dropOrder(url string) {
	c.ordersMu.Lock()
	delete(c.orders, url)
	c.ordersMu.Unlock()
}

// New creates an ACME account (or reuses an existing one keyed by
// accountKey) against directoryURL and returns a Client bound to it.
func New(ctx context.Context, directoryURL string, accountKey *ecdsa.PrivateKey, contacts ...string) (Client, error) {
	rawClient, err := acme.NewClient(directoryURL)
	if err != nil {
		return nil, ierrors.ConnectionFailureError("failed to fetch acme directory %s: %s", directoryURL, err)
	}

	account, err := rawClient.NewAccount(accountKey, false, true, contacts...)
	if err != nil {
		return nil, ierrors.ConnectionFailureError("failed to register acme account: %s", err)
	}

	return &acmeClient{
		client:  rawClient,
		account: account,
		orders:  make(map[string]acme.Order),
	}, nil
}

func (c *acmeClient) Order(ctx context.Context, name string) (string, string, error) {
	order, err := c.client.NewOrder(c.account, []acme.Identifier{{Type: "dns", Value: name}})
	if err != nil {
		return "", "", ierrors.ConnectionFailureError("failed to create acme order for %s: %s", name, err)
	}
	if len(order.Authorizations) == 0 {
		return "", "", ierrors.New(ierrors.InternalServer, "acme order for %s has no authorizations", name)
	}

	auth, err := c.client.FetchAuthorization(c.account, order.Authorizations[0])
	if err != nil {
		return "", "", ierrors.ConnectionFailureError("failed to fetch authorization for %s: %s", name, err)
	}

	chal, ok := auth.ChallengeMap[acme.ChallengeTypeDNS01]
	if !ok {
		return "", "", ierrors.New(ierrors.NotSupported, "acme server offered no dns-01 challenge for %s", name)
	}

	c.putOrder(order.URL, order)
	return order.URL, chal.KeyAuthorization, nil
}

func (c *acmeClient) Ready(ctx context.Context, orderURL string) error {
	order, ok := c.getOrder(orderURL)
	if !ok {
		return ierrors.New(ierrors.InternalServer, "unknown order %s", orderURL)
	}

	auth, err := c.client.FetchAuthorization(c.account, order.Authorizations[0])
	if err != nil {
		return ierrors.ConnectionFailureError("failed to refetch authorization: %s", err)
	}
	chal, ok := auth.ChallengeMap[acme.ChallengeTypeDNS01]
	if !ok {
		return ierrors.New(ierrors.NotSupported, "acme server offered no dns-01 challenge")
	}
	if _, err := c.client.UpdateChallenge(c.account, chal); err != nil {
		return ierrors.New(ierrors.AwaitingACMEOrderReady, "challenge update rejected: %s", err)
	}

	for attempt, delay := range pollBackoff {
		order, err = c.client.FetchOrder(c.account, orderURL)
		if err != nil {
			return ierrors.ConnectionFailureError("failed to poll order %s: %s", orderURL, err)
		}
		switch order.Status {
		case "ready", "valid":
			c.putOrder(orderURL, order)
			return nil
		case "invalid":
			return ierrors.New(ierrors.OrderExpired, "acme order %s went invalid", orderURL)
		}
		if attempt == len(pollBackoff)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ierrors.TimeoutError("timed out polling order %s: %s", orderURL, ctx.Err())
		case <-time.After(delay):
		}
	}
	return ierrors.New(ierrors.AwaitingACMEOrderReady, "acme order %s not ready after %d polls", orderURL, len(pollBackoff))
}

func (c *acmeClient) Finalize(ctx context.Context, orderURL, name string) ([]byte, []byte, error) {
	order, ok := c.getOrder(orderURL)
	if !ok {
		return nil, nil, ierrors.New(ierrors.InternalServer, "unknown order %s", orderURL)
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, ierrors.New(ierrors.InternalServer, "failed to generate certificate key: %s", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: name},
		DNSNames: []string{name},
	}, privKey)
	if err != nil {
		return nil, nil, ierrors.New(ierrors.InternalServer, "failed to create csr: %s", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, nil, ierrors.New(ierrors.InternalServer, "failed to parse csr: %s", err)
	}

	order, err = c.client.FinalizeOrder(c.account, order, csr)
	if err != nil {
		return nil, nil, ierrors.New(ierrors.OrderExpired, "failed to finalize order %s: %s", orderURL, err)
	}

	certs, err := c.client.FetchCertificates(c.account, order.Certificate)
	if err != nil {
		return nil, nil, ierrors.ConnectionFailureError("failed to fetch issued certificate: %s", err)
	}
	if len(certs) == 0 {
		return nil, nil, ierrors.New(ierrors.InternalServer, "acme server returned an empty certificate chain")
	}

	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, ierrors.New(ierrors.InternalServer, "failed to marshal certificate key: %s", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	var chainPEM []byte
	for _, cert := range certs {
		chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}

	c.dropOrder(orderURL)
	return keyPEM, chainPEM, nil
}
