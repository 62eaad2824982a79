package snapshot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadNDJSONAndLookup(t *testing.T) {
	data := strings.Join([]string{
		`{"a":"0000000000000000000000000000000000000001","b":100,"t":"p2pkh"}`,
		`{"a":"0000000000000000000000000000000000000002","b":200,"t":"p2wpkh"}`,
		`{"a":"0000000000000000000000000000000000000003","b":300}`,
	}, "\n")

	snap, err := LoadNDJSON(strings.NewReader(data), 800000, [32]byte{1})
	require.NoError(t, err)
	require.Equal(t, 3, snap.Len())

	var addr1 [20]byte
	addr1[19] = 1
	e, ok := snap.Lookup(addr1)
	require.True(t, ok)
	require.Equal(t, int64(100), e.Amount)
	require.Equal(t, P2PKH, e.Type)

	var addr3 [20]byte
	addr3[19] = 3
	e3, ok := snap.Lookup(addr3)
	require.True(t, ok)
	require.Equal(t, P2PKH, e3.Type) // default when "t" omitted

	var missing [20]byte
	missing[19] = 99
	_, ok = snap.Lookup(missing)
	require.False(t, ok)
}

func TestLoadNDJSONRejectsBadAddress(t *testing.T) {
	_, err := LoadNDJSON(strings.NewReader(`{"a":"nothex","b":1}`), 0, [32]byte{})
	require.Error(t, err)
}

func TestMerkleRootDeterministic(t *testing.T) {
	data := `{"a":"0000000000000000000000000000000000000001","b":100,"t":"p2pkh"}`
	s1, err := LoadNDJSON(strings.NewReader(data), 0, [32]byte{})
	require.NoError(t, err)
	s2, err := LoadNDJSON(strings.NewReader(data), 0, [32]byte{})
	require.NoError(t, err)
	require.Equal(t, s1.MerkleRoot, s2.MerkleRoot)
}
