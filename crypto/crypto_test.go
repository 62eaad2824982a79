package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoubleSha256Deterministic(t *testing.T) {
	a := DoubleSha256([]byte("hello"))
	b := DoubleSha256([]byte("hello"))
	require.Equal(t, a, b)

	c := DoubleSha256([]byte("world"))
	require.NotEqual(t, a, c)
}

func TestHash160Length(t *testing.T) {
	h := Hash160([]byte("some pubkey bytes"))
	require.Len(t, h, Hash160Size)
}

func TestPqSignVerifyRoundTrip(t *testing.T) {
	kp, err := PqKeygen()
	require.NoError(t, err)
	require.Len(t, kp.PublicKey, PQPublicKeySize)

	msg := []byte("sighash over outpoints+outputs+timestamp")
	sig, err := PqSign(msg, kp.PrivateKey)
	require.NoError(t, err)
	require.Len(t, sig, PQSignatureSize)

	require.True(t, PqVerify(sig, msg, kp.PublicKey))
	require.False(t, PqVerify(sig, []byte("tampered message"), kp.PublicKey))

	other, err := PqKeygen()
	require.NoError(t, err)
	require.False(t, PqVerify(sig, msg, other.PublicKey))
}

func TestPqVerifyRejectsWrongSizes(t *testing.T) {
	require.False(t, PqVerify(nil, []byte("m"), nil))
	require.False(t, PqVerify(make([]byte, PQSignatureSize), []byte("m"), make([]byte, 10)))
}

func TestDeriveAddress(t *testing.T) {
	pk := []byte("a fake pq public key")
	addr := DeriveAddress(pk)
	require.Len(t, addr, 32)
}
