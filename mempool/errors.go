// Package mempool implements the pending-transaction pool from spec §4.7:
// fee-rate eviction, claim de-duplication, and revalidation after a reorg.
package mempool

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the mempool-level failures from spec §7.
type ErrorKind int

const (
	ErrFeeTooLow ErrorKind = iota
	ErrPoolFull
	ErrMempoolDoubleSpend
)

var kindNames = map[ErrorKind]string{
	ErrFeeTooLow:          "FeeTooLow",
	ErrPoolFull:           "PoolFull",
	ErrMempoolDoubleSpend: "MempoolDoubleSpend",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error is the typed result of a failed mempool admission. Tx-level and
// claim-level validation failures are surfaced as-is (their own typed
// errors from txmodel/claim), not wrapped here.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Detail) }

func newErr(kind ErrorKind, detail string) *Error { return &Error{Kind: kind, Detail: detail} }

// IsErrorKind reports whether err is a *Error of the given kind, unwrapping
// any wrapping errors along the way.
func IsErrorKind(err error, kind ErrorKind) bool {
	var merr *Error
	if !errors.As(err, &merr) {
		return false
	}
	return merr.Kind == kind
}
