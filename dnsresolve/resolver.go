// Package dnsresolve looks up the CNAME and TXT records used to verify
// delegation and ACME DNS-01 challenges, per SPEC_FULL.md §4.2.
package dnsresolve

import (
	"context"
	"strings"

	"github.com/miekg/dns"

	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// Resolver looks up CNAME and TXT records against the public DNS.
type Resolver interface {
	// LookupCNAME returns the canonical name chain for name: one entry per
	// CNAME hop, in resolution order. A name with no CNAME record
	// surfaces ierrors.NotFound.
	LookupCNAME(ctx context.Context, name string) ([]string, error)
	// LookupTXT returns the set of TXT strings published at name.
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// client is the default Resolver, backed directly by miekg/dns rather than
// the standard library's net.Resolver, so CNAME chains and NXDOMAIN are
// observable distinctly instead of being collapsed by net's abstraction.
type client struct {
	dnsClient  *dns.Client
	serverAddr string
}

// New returns a Resolver that queries serverAddr (host:port) directly,
// e.g. "1.1.1.1:53". Use NewSystem for the OS-configured resolver.
func New(serverAddr string) Resolver {
	return &client{
		dnsClient:  &dns.Client{},
		serverAddr: serverAddr,
	}
}

// NewSystem returns a Resolver using the first nameserver in
// /etc/resolv.conf, matching what net/http's default transport would
// consult.
func NewSystem() (Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return nil, ierrors.InternalServerError("failed to read system resolver config: %v", err)
	}
	return New(cfg.Servers[0] + ":" + cfg.Port), nil
}

func (c *client) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := c.dnsClient.ExchangeContext(ctx, m, c.serverAddr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ierrors.TimeoutError("dns query for %s timed out: %s", name, err)
		}
		return nil, ierrors.ConnectionFailureError("dns query for %s failed: %s", name, err)
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
		return in, nil
	case dns.RcodeNameError:
		return nil, ierrors.NotFoundError("no such domain: %s", name)
	default:
		return nil, ierrors.ConnectionFailureError("dns server returned %s for %s", dns.RcodeToString[in.Rcode], name)
	}
}

func (c *client) LookupCNAME(ctx context.Context, name string) ([]string, error) {
	in, err := c.query(ctx, name, dns.TypeCNAME)
	if err != nil {
		return nil, err
	}

	var chain []string
	for _, rr := range in.Answer {
		cname, ok := rr.(*dns.CNAME)
		if !ok {
			continue
		}
		chain = append(chain, strings.TrimSuffix(cname.Target, "."))
	}
	if len(chain) == 0 {
		return nil, ierrors.NotFoundError("no CNAME record for %s", name)
	}
	return chain, nil
}

func (c *client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	in, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var values []string
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		values = append(values, strings.Join(txt.Txt, ""))
	}
	if len(values) == 0 {
		return nil, ierrors.NotFoundError("no TXT record for %s", name)
	}
	return values, nil
}
