package contracts

import "errors"

// Code is a stable, machine-readable error identifier. Codes are written to
// the ledger and returned over the API; never renumber or rename them.
type Code string

// Class says how a caller must react to an error.
type Class int

const (
	// ClassUnknown is returned for errors outside the taxonomy.
	ClassUnknown Class = iota
	// ClassLocalRejection discards the proposal; nothing else is affected.
	ClassLocalRejection
	// ClassRetryable is a fail-fast refusal the caller retries with backoff.
	ClassRetryable
	// ClassHighSeverity triggers automatic rollback and paging.
	ClassHighSeverity
	// ClassFatal stops the coordinator instance from accepting writes.
	ClassFatal
	// ClassNotFound refers to an unknown proposal or entry.
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassLocalRejection:
		return "local_rejection"
	case ClassRetryable:
		return "retryable"
	case ClassHighSeverity:
		return "high_severity"
	case ClassFatal:
		return "fatal"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a taxonomy member. Compare with errors.Is against the sentinels.
type Error struct {
	code  Code
	class Class
	msg   string
}

func (e *Error) Error() string { return e.msg }

// Code returns the stable identifier.
func (e *Error) Code() Code { return e.code }

// Class returns the handling class.
func (e *Error) Class() Class { return e.class }

var byCode = make(map[Code]*Error)

func newError(code Code, class Class, msg string) *Error {
	e := &Error{code: code, class: class, msg: msg}
	byCode[code] = e
	return e
}

// Lookup returns the sentinel for code, used to rebuild typed errors from
// a peer's problem response.
func Lookup(code Code) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

var (
	ErrCycleDetected       = newError("CYCLE_DETECTED", ClassLocalRejection, "dependency cycle detected")
	ErrCausalityViolation  = newError("CAUSALITY_VIOLATION", ClassLocalRejection, "declared dependency has not committed")
	ErrStaleFencingToken   = newError("STALE_FENCING_TOKEN", ClassLocalRejection, "fencing token epoch is not newer than the last committed epoch")
	ErrConflictingProposal = newError("CONFLICTING_PROPOSAL", ClassLocalRejection, "another proposal for the resource is already voting")
	ErrQuorumTimeout       = newError("QUORUM_TIMEOUT", ClassLocalRejection, "quorum not reached before the vote deadline")
	ErrQuorumRejected      = newError("QUORUM_REJECTED", ClassLocalRejection, "quorum threshold can no longer be reached")
	ErrGuardrailViolation  = newError("GUARDRAIL_VIOLATION", ClassHighSeverity, "health signal breached its guardrail")
	ErrCircuitOpen         = newError("CIRCUIT_OPEN", ClassRetryable, "circuit breaker is open")
	ErrBulkheadFull        = newError("BULKHEAD_FULL", ClassRetryable, "bulkhead capacity exhausted")
	ErrPeerUnavailable     = newError("PEER_UNAVAILABLE", ClassRetryable, "peer domain unreachable")
	ErrStaleEpoch          = newError("STALE_EPOCH", ClassFatal, "coordinator epoch is stale")
	ErrPromotionDenied     = newError("PROMOTION_DENIED", ClassFatal, "promotion denied")
	ErrLedgerUnavailable   = newError("LEDGER_UNAVAILABLE", ClassFatal, "audit ledger unavailable")
	ErrProposalNotFound    = newError("PROPOSAL_NOT_FOUND", ClassNotFound, "proposal not found")
	ErrNotCancellable      = newError("NOT_CANCELLABLE", ClassLocalRejection, "proposal can no longer be cancelled")
)

// CodeOf returns the code of the first taxonomy error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// ClassOf returns the handling class of err.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.class
	}
	return ClassUnknown
}

// IsRetryable reports whether the caller should retry with backoff.
func IsRetryable(err error) bool { return ClassOf(err) == ClassRetryable }

// IsFatal reports whether the coordinator instance must stop accepting writes.
func IsFatal(err error) bool { return ClassOf(err) == ClassFatal }
