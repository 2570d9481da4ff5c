// Package dnsprovider creates and deletes the TXT records used to answer
// ACME DNS-01 challenges on the delegation zone, per SPEC_FULL.md §4.3.
package dnsprovider

import (
	"context"
	"errors"

	"github.com/cloudflare/cloudflare-go"

	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// Provider creates and deletes TXT records on an authoritative zone.
type Provider interface {
	// Create is idempotent on (name, value): calling it twice with the
	// same pair returns the same record id and leaves exactly one live
	// record.
	Create(ctx context.Context, zone, name, value string) (recordID string, err error)
	// Delete removes recordID from zone. Deleting an unknown id is a
	// no-op success, so retries after a partial failure converge.
	Delete(ctx context.Context, zone, recordID string) error
}

// Cloudflare is a Provider backed by the Cloudflare API.
type Cloudflare struct {
	api *cloudflare.API
}

// New constructs a Cloudflare provider authenticated with an API token.
func New(apiToken string) (*Cloudflare, error) {
	api, err := cloudflare.NewWithAPIToken(apiToken)
	if err != nil {
		return nil, ierrors.InternalServerError("failed to init cloudflare client: %s", err)
	}
	return &Cloudflare{api: api}, nil
}

func (c *Cloudflare) zoneContainer(ctx context.Context, zone string) (*cloudflare.ResourceContainer, error) {
	zoneID, err := c.api.ZoneIDByName(zone)
	if err != nil {
		return nil, ierrors.NotFoundError("unknown zone %s: %s", zone, err)
	}
	return cloudflare.ZoneIdentifier(zoneID), nil
}

func (c *Cloudflare) Create(ctx context.Context, zone, name, value string) (string, error) {
	rc, err := c.zoneContainer(ctx, zone)
	if err != nil {
		return "", err
	}

	existing, _, err := c.api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
		Type: "TXT",
		Name: name,
	})
	if err != nil {
		return "", ierrors.ConnectionFailureError("failed to list existing TXT records for %s: %s", name, err)
	}
	for _, rec := range existing {
		if rec.Content == value {
			return rec.ID, nil
		}
	}

	ttl := 120
	rec, err := c.api.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    name,
		Content: value,
		TTL:     ttl,
	})
	if err != nil {
		return "", ierrors.ConnectionFailureError("failed to create TXT record %s: %s", name, err)
	}
	return rec.ID, nil
}

func (c *Cloudflare) Delete(ctx context.Context, zone, recordID string) error {
	rc, err := c.zoneContainer(ctx, zone)
	if err != nil {
		return err
	}

	err = c.api.DeleteDNSRecord(ctx, rc, recordID)
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		// Already gone: a retry after a prior partial teardown converges.
		return nil
	}
	return ierrors.ConnectionFailureError("failed to delete TXT record %s: %s", recordID, err)
}

// isNotFound reports whether err is Cloudflare's "record does not exist"
// response. The SDK's *cloudflare.Error carries the HTTP status rather
// than a typed sentinel, per its NotFound() helper.
func isNotFound(err error) bool {
	var apiErr *cloudflare.Error
	if errors.As(err, &apiErr) {
		return apiErr.NotFound()
	}
	return false
}
