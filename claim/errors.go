// Package claim implements the one-shot ECDSA-proof claim engine from
// spec §4.4: converting a frozen Bitcoin UTXO snapshot entry into a
// native PQ-signed output.
package claim

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the claim-level failures from spec §7.
type ErrorKind int

const (
	ErrNoSuchEntry ErrorKind = iota
	ErrAmountMismatch
	ErrAlreadyClaimed
	ErrUnsupportedType
	ErrWrongKey
	ErrBadProof
)

var kindNames = map[ErrorKind]string{
	ErrNoSuchEntry:     "NoSuchEntry",
	ErrAmountMismatch:  "AmountMismatch",
	ErrAlreadyClaimed:  "AlreadyClaimed",
	ErrUnsupportedType: "UnsupportedType",
	ErrWrongKey:        "WrongKey",
	ErrBadProof:        "BadProof",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// VerificationError is the typed result of a failed claim verification. It
// carries the btcAddress under dispute so callers (chain/mempool) can
// attach it to reject messages and scenario assertions (spec S2).
type VerificationError struct {
	Kind       ErrorKind
	BtcAddress [20]byte
	Detail     string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s (btcAddress=%x)", e.Kind, e.Detail, e.BtcAddress)
}

func newErr(kind ErrorKind, addr [20]byte, detail string) *VerificationError {
	return &VerificationError{Kind: kind, BtcAddress: addr, Detail: detail}
}

// NewAlreadyClaimedError builds the AlreadyClaimed error chain.AddBlock
// returns when a btcAddress has already been consumed, carrying the address
// for S2-style scenario assertions.
func NewAlreadyClaimedError(addr [20]byte) *VerificationError {
	return newErr(ErrAlreadyClaimed, addr, "btcAddress has already been claimed")
}

// IsErrorKind reports whether err is a *VerificationError of the given kind,
// unwrapping any wrapping errors along the way.
func IsErrorKind(err error, kind ErrorKind) bool {
	var verr *VerificationError
	if !errors.As(err, &verr) {
		return false
	}
	return verr.Kind == kind
}
