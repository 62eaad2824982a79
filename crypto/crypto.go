// Package crypto collects every cryptographic primitive pqnode's consensus
// layer depends on: double SHA-256, HASH160, post-quantum signing/
// verification, and ECDSA verification for the one-shot claim proofs.
//
// All multi-byte integers handled in this package and its callers are
// little-endian, per spec.
package crypto

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for HASH160 compatibility
)

// HashSize is the width of a double-SHA-256 digest.
const HashSize = 32

// Hash160Size is the width of a HASH160 digest (ripemd160(sha256(x))).
const Hash160Size = 20

// DoubleSha256 computes SHA-256(SHA-256(data)).
func DoubleSha256(data []byte) [HashSize]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Hash160 computes RIPEMD160(SHA-256(data)), the same address-hashing
// primitive Bitcoin-derived chains use.
func Hash160(data []byte) [Hash160Size]byte {
	sum := sha256.Sum256(data)
	r := ripemd160.New()
	// ripemd160.Hash.Write never returns an error.
	_, _ = r.Write(sum[:])
	var out [Hash160Size]byte
	copy(out[:], r.Sum(nil))
	return out
}

// DeriveAddress computes the native address of a PQ public key:
// SHA-256(pubKey). Unlike DoubleSha256 this is a single round, matching the
// spec's `deriveAddress(pk) = sha256(pk)`.
func DeriveAddress(pubKey []byte) [32]byte {
	return sha256.Sum256(pubKey)
}

// EcdsaVerify verifies a 64-byte compact (r||s) ECDSA signature over
// msgHash using a 33-byte compressed secp256k1 public key, the scheme
// frozen Bitcoin UTXOs were originally locked with.
func EcdsaVerify(signature, msgHash, compressedPubKey []byte) (bool, error) {
	if len(signature) != 64 {
		return false, errors.Errorf("ecdsa signature must be 64 bytes, got %d", len(signature))
	}
	if len(msgHash) != HashSize {
		return false, errors.Errorf("ecdsa message hash must be %d bytes, got %d", HashSize, len(msgHash))
	}
	pubKey, err := btcec.ParsePubKey(compressedPubKey)
	if err != nil {
		return false, errors.Wrap(err, "invalid compressed secp256k1 public key")
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])

	var modNScalarR, modNScalarS btcec.ModNScalar
	if overflow := modNScalarR.SetByteSlice(r.Bytes()); overflow {
		return false, nil
	}
	if overflow := modNScalarS.SetByteSlice(s.Bytes()); overflow {
		return false, nil
	}
	sig := ecdsa.NewSignature(&modNScalarR, &modNScalarS)
	return sig.Verify(msgHash, pubKey), nil
}
