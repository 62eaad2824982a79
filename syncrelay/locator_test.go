package syncrelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeChainHashes struct {
	hashes []uint64 // index i holds the fake hash for height i, encoded into byte 0
}

func (f *fakeChainHashes) Height() uint64 { return uint64(len(f.hashes) - 1) }

func (f *fakeChainHashes) GetBlockHash(h uint64) ([32]byte, bool) {
	if h >= uint64(len(f.hashes)) {
		return [32]byte{}, false
	}
	var hash [32]byte
	hash[0] = byte(f.hashes[h])
	return hash, true
}

func newFakeChainHashes(tip uint64) *fakeChainHashes {
	hashes := make([]uint64, tip+1)
	for i := range hashes {
		hashes[i] = uint64(i)
	}
	return &fakeChainHashes{hashes: hashes}
}

func TestBuildLocatorExponentialBackoff(t *testing.T) {
	c := newFakeChainHashes(20)
	loc := buildLocator(c)

	require.NotEmpty(t, loc)
	require.Equal(t, byte(20), loc[0][0], "locator must start at the tip")
	require.Equal(t, byte(0), loc[len(loc)-1][0], "locator must always end at genesis")

	// Offsets from the tip double after the first step: 20,19,18,16,12,4,genesis.
	wantHeights := []byte{20, 19, 18, 16, 12, 4, 0}
	require.Len(t, loc, len(wantHeights))
	for i, want := range wantHeights {
		require.Equal(t, want, loc[i][0])
	}
}

func TestBuildLocatorShortChain(t *testing.T) {
	c := newFakeChainHashes(1)
	loc := buildLocator(c)
	require.Equal(t, byte(1), loc[0][0])
	require.Equal(t, byte(0), loc[len(loc)-1][0])
}

func TestFindForkPointLocatesMatchingHeight(t *testing.T) {
	c := newFakeChainHashes(10)
	var target [32]byte
	target[0] = 7
	h, ok := findForkPoint(c, target)
	require.True(t, ok)
	require.Equal(t, uint64(7), h)
}

func TestFindForkPointMissingHash(t *testing.T) {
	c := newFakeChainHashes(10)
	var target [32]byte
	target[0] = 200
	_, ok := findForkPoint(c, target)
	require.False(t, ok)
}
