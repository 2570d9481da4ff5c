package orchestrator

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/fxamacker/cbor/v2"

	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// EventKind tags an Event's payload shape, mirroring the original Rust
// event log's event_type discriminant.
type EventKind string

const (
	EventKindCertificateExported EventKind = "CertificateExported"
)

// Event is one entry of the orchestrator's append-only, canister-timestamped
// log. The issuer never authors events; it only re-derives the digest a
// batch export should have produced and compares it against the
// orchestrator's attestation.
type Event struct {
	Timestamp uint64    `cbor:"1,keyasint"`
	Kind      EventKind `cbor:"2,keyasint"`
	Payload   []byte    `cbor:"3,keyasint"`
}

// EventStream is the CBOR-encoded sequence a batch attestation is computed
// over.
type EventStream []Event

// Verifier attests that an exported batch matches the orchestrator's
// committed event log.
type Verifier struct {
	// rootKeyTrust records whether a --root-key-path root was loaded.
	// Verify checks the digest the same way whatever its value; no
	// root-signed attestation is required in either case.
	rootKeyTrust bool
}

// NewVerifier constructs a Verifier. rootKeyTrust should be true whenever
// a root key was loaded at startup (the same value passed to NewClient).
func NewVerifier(rootKeyTrust bool) Verifier {
	return Verifier{rootKeyTrust: rootKeyTrust}
}

// Verify checks that att is consistent with batch: the orchestrator is
// expected to compute its digest over the same canonical event stream this
// function builds.
func (v Verifier) Verify(batch []core.EncryptedCertificate, att Attestation) error {
	stream := make(EventStream, 0, len(batch))
	for _, rec := range batch {
		stream = append(stream, Event{
			Timestamp: att.Timestamp,
			Kind:      EventKindCertificateExported,
			Payload:   append([]byte(rec.Name+"\x00"), rec.Ciphertext...),
		})
	}

	encoded, err := cbor.Marshal(stream)
	if err != nil {
		return ierrors.New(ierrors.InternalServer, "failed to encode event stream for verification: %s", err)
	}
	digest := sha256.Sum256(encoded)

	if subtle.ConstantTimeCompare(digest[:], att.Digest) != 1 {
		return ierrors.IntegrityError("exported batch does not match orchestrator attestation")
	}
	return nil
}
