package txmodel

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the transaction-level validation failures from
// spec §4.2. Validation returns these as typed, non-throwing results —
// there is no exception-based control flow anywhere in this package.
type ErrorKind int

const (
	// ErrInvalidStructure covers missing inputs/outputs and malformed txs.
	ErrInvalidStructure ErrorKind = iota
	// ErrMissingUtxo means an input references a UTXO that does not exist.
	ErrMissingUtxo
	// ErrBadSignature means a PQ signature failed to verify.
	ErrBadSignature
	// ErrAddressMismatch means an input's pubkey does not hash to the
	// UTXO's recorded owning address.
	ErrAddressMismatch
	// ErrImmatureUtxo means a coinbase/claim UTXO was spent before its
	// maturity window elapsed.
	ErrImmatureUtxo
	// ErrFeeNegative means total outputs exceed total inputs.
	ErrFeeNegative
	// ErrIdMismatch means the recomputed txid differs from tx.ID.
	ErrIdMismatch
	// ErrDuplicateOutpoint means the same outpoint is referenced twice
	// within one transaction's inputs.
	ErrDuplicateOutpoint
)

var kindNames = map[ErrorKind]string{
	ErrInvalidStructure:  "InvalidStructure",
	ErrMissingUtxo:       "MissingUtxo",
	ErrBadSignature:      "BadSignature",
	ErrAddressMismatch:   "AddressMismatch",
	ErrImmatureUtxo:      "ImmatureUtxo",
	ErrFeeNegative:       "FeeNegative",
	ErrIdMismatch:        "IdMismatch",
	ErrDuplicateOutpoint: "DuplicateOutpoint",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// ValidationError is the typed result of a failed transaction validation.
// It satisfies the error interface so callers that only care about
// "did this fail" can use it directly, while callers that branch on the
// specific failure use the Kind field (or IsErrorKind).
type ValidationError struct {
	Kind        ErrorKind
	Description string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// NewValidationError constructs a ValidationError, mirroring the teacher's
// ruleError helper in blockdag.
func NewValidationError(kind ErrorKind, description string) *ValidationError {
	return &ValidationError{Kind: kind, Description: description}
}

// IsErrorKind reports whether err is a *ValidationError of the given kind,
// unwrapping any wrapping errors along the way.
func IsErrorKind(err error, kind ErrorKind) bool {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		return false
	}
	return verr.Kind == kind
}
