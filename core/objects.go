// Package core holds the domain types shared by every component of the
// certificate issuer: registrations, tasks, and the encrypted certificates
// the orchestrator stores on their behalf.
package core

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a Registration. It advances monotonically
// along the issuance pipeline except for Failed, which is terminal until an
// external update (API PUT) moves it back out.
type State string

const (
	StatePendingOrder             State = "PendingOrder"
	StatePendingChallengeResponse State = "PendingChallengeResponse"
	StatePendingAcmeApproval      State = "PendingAcmeApproval"
	StateAvailable                State = "Available"
	StateFailed                   State = "Failed"
)

// Action identifies the next unit of work a Task asks the Processor to
// perform against a Registration.
type Action string

const (
	ActionOrder    Action = "Order"
	ActionReady    Action = "Ready"
	ActionFinalize Action = "Finalize"
	ActionRenew    Action = "Renew"
)

// FailureReason is a short machine-readable tag explaining why a
// Registration ended up in StateFailed. It is carried on Registration.Reason
// rather than in a separate type so a Failed registration round-trips
// through the same JSON document as any other state.
type FailureReason string

const (
	ReasonNotOwner FailureReason = "NotOwner"
	ReasonCustom   FailureReason = "Custom"
)

// Principal is the textual form of the canister principal that owns a
// Registration. It is opaque to this service beyond equality: binary
// principal encoding is out of scope (see SPEC_FULL.md §3).
type Principal string

// Registration ties a domain name to its owning canister and current
// pipeline state. ID is assigned by the orchestrator on creation.
//
// TxtName, OrderURL, RecordID and KeyAuth are populated by the Processor as
// it advances a registration through the pipeline (SPEC_FULL.md §4.7's
// "ChallengeState"). They are never exposed over the HTTP API, but they do
// need to survive a process restart between dispenses, so the orchestrator
// persists them the same way it persists State.
type Registration struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Canister Principal     `json:"canister"`
	State    State         `json:"state"`
	Reason   FailureReason `json:"reason,omitempty"`
	TxtName  string        `json:"-"`
	OrderURL string        `json:"-"`
	RecordID string        `json:"-"`
	KeyAuth  string        `json:"-"`
}

// CanonicalizeName lowercases name and strips a single trailing dot, the
// canonical on-write form described in SPEC_FULL.md §4.7.
func CanonicalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".")
}

// Task is a scheduled unit of work bound to a Registration. It becomes
// visible to dispense once NotBefore has passed.
type Task struct {
	ID        string `json:"id"`
	Action    Action `json:"action"`
	NotBefore uint64 `json:"not_before"` // nanoseconds since epoch
}

// Visible reports whether the task is eligible for dispense at t.
func (t Task) Visible(t2 time.Time) bool {
	return uint64(t2.UnixNano()) >= t.NotBefore
}

// NanosFromNow converts a clock reading plus an offset into the nanosecond
// epoch timestamp Task.NotBefore expects.
func NanosFromNow(now time.Time, d time.Duration) uint64 {
	return uint64(now.Add(d).UnixNano())
}

// EncryptedCertificate is the triple the orchestrator stores: a subject
// name, a freshly random nonce, and the authenticated ciphertext of a
// (private key, certificate chain) PEM pair.
type EncryptedCertificate struct {
	Name       string `json:"name"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// CertificatePair is the plaintext counterpart of EncryptedCertificate,
// returned to boundary nodes via the export path.
type CertificatePair struct {
	Name       string    `json:"name"`
	PrivateKey []byte    `json:"private_key"`
	Chain      []byte    `json:"chain"`
	NotAfter   time.Time `json:"not_after"`
}

// ChallengeState groups the per-order challenge data. The Processor does
// not use this type: it carries the same data on Registration (OrderURL,
// RecordID, KeyAuth), which the orchestrator persists.
type ChallengeState struct {
	OrderURL      string
	RecordID      string
	KeyAuthDigest string
}

func (r Registration) String() string {
	return fmt.Sprintf("Registration{id=%s name=%s canister=%s state=%s}", r.ID, r.Name, r.Canister, r.State)
}
