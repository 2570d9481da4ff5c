// Package errors defines the coarse error taxonomy shared by every adapter
// and by the Processor's retry/terminal classification (SPEC_FULL.md §7).
// It is imported elsewhere under the alias ierrors, since the standard
// library already owns the name "errors".
package errors

import (
	"fmt"
	"time"

	"github.com/ic-boundary/certificate-issuer/core"
)

// ErrorType provides a coarse category for IssuerErrors.
type ErrorType int

const (
	InternalServer ErrorType = iota
	NotSupported
	Malformed
	Unauthorized
	NotFound
	RateLimit
	RejectedIdentifier
	ConnectionFailure
	Timeout

	// Checker-specific (SPEC_FULL.md §4.6)
	MissingDNSCNAME
	InvalidDNSCNAMETarget
	KnownDomainsUnavailable
	MissingOwner
	NotOwner

	// Processor-specific (SPEC_FULL.md §7)
	AwaitingDNSPropagation
	AwaitingACMEOrderReady
	MissingOwnership
	OrderExpired
	RateLimited
	UnexpectedError

	// Codec-specific (SPEC_FULL.md §4.1)
	Integrity
)

// IssuerError represents an internal, classified error. Every adapter and
// the Processor communicate failure through this type so callers can
// branch on Type rather than string-matching messages.
type IssuerError struct {
	Type   ErrorType
	Detail string
}

func (e *IssuerError) Error() string {
	return e.Detail
}

// New is a convenience function for creating a new IssuerError.
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &IssuerError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is reports whether err is an IssuerError of the given type.
func Is(err error, errType ErrorType) bool {
	iErr, ok := err.(*IssuerError)
	if !ok {
		return false
	}
	return iErr.Type == errType
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func RateLimitError(msg string, args ...interface{}) error {
	return New(RateLimit, msg, args...)
}

func ConnectionFailureError(msg string, args ...interface{}) error {
	return New(ConnectionFailure, msg, args...)
}

func TimeoutError(msg string, args ...interface{}) error {
	return New(Timeout, msg, args...)
}

func IntegrityError(msg string, args ...interface{}) error {
	return New(Integrity, msg, args...)
}

// retryRule is one row of the SPEC_FULL.md §7 table: how long to wait
// before re-queueing, and what Registration.State the failure leaves
// behind. stateUnchanged is a sentinel meaning "leave State as-is".
type retryRule struct {
	delay          time.Duration
	state          core.State
	stateUnchanged bool
	reason         core.FailureReason
}

const stateRetryCeiling = 24 * time.Hour

var retryTable = map[ErrorType]retryRule{
	AwaitingDNSPropagation: {delay: time.Minute, state: core.StatePendingChallengeResponse},
	AwaitingACMEOrderReady: {delay: time.Minute, state: core.StatePendingAcmeApproval},
	MissingOwnership:       {delay: 10 * time.Minute, state: core.StateFailed, reason: core.ReasonCustom},
	OrderExpired:           {delay: 0, state: core.StatePendingOrder},
	RateLimited:            {delay: time.Hour, stateUnchanged: true},
	UnexpectedError:        {delay: 10 * time.Minute, state: core.StateFailed, reason: core.ReasonCustom},
	NotOwner:               {delay: 10 * time.Minute, state: core.StateFailed, reason: core.ReasonNotOwner},
}

// DelayFor is a pure function mapping an ErrorType to its re-queue delay,
// per Design Note 3 of SPEC_FULL.md ("implement it as a data table rather
// than scattered branches"). attempt is the number of consecutive failures
// already observed for the same registration id, used to back off
// MissingOwnership/UnexpectedError retries up to a 24h ceiling; it is
// ignored for error kinds with a fixed delay.
func DelayFor(errType ErrorType, attempt int) time.Duration {
	rule, ok := retryTable[errType]
	if !ok {
		rule = retryTable[UnexpectedError]
	}
	if errType != MissingOwnership && errType != UnexpectedError {
		return rule.delay
	}
	d := rule.delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= stateRetryCeiling {
			return stateRetryCeiling
		}
	}
	return d
}

// StateFor reports the Registration state and failure reason a failure of
// the given type leaves behind, and whether the current state should be
// left unchanged instead.
func StateFor(errType ErrorType, current core.State) (core.State, core.FailureReason, bool) {
	rule, ok := retryTable[errType]
	if !ok {
		rule = retryTable[UnexpectedError]
	}
	if rule.stateUnchanged {
		return current, "", true
	}
	return rule.state, rule.reason, false
}
