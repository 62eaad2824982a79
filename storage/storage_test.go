package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pqcoin/pqnode/block"
	"github.com/pqcoin/pqnode/txmodel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBlock(t *testing.T, height uint64, nonce uint32) *block.Block {
	t.Helper()
	coinbase := txmodel.CreateCoinbase([32]byte{byte(height)}, height, 0, 1000+height)
	h := block.Header{Version: 1, Timestamp: 1000 + height, Nonce: nonce}
	h.MerkleRoot = block.MerkleRoot([][32]byte{coinbase.ID})
	return &block.Block{Header: h, Hash: h.Hash(), Transactions: []*txmodel.Transaction{coinbase}, Height: height}
}

func TestAppendAndLoadBlocks(t *testing.T) {
	s := openTestStore(t)

	b0 := sampleBlock(t, 0, 1)
	b1 := sampleBlock(t, 1, 2)
	require.NoError(t, s.AppendBlock(b0))
	require.NoError(t, s.AppendBlock(b1))

	loaded, err := s.LoadBlocks()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	rebuilt, err := loaded[1].ToBlock()
	require.NoError(t, err)
	require.Equal(t, b1.Hash, rebuilt.Hash)
	require.Equal(t, b1.Height, rebuilt.Height)
}

func TestLoadBlocksTruncatesCorruptTrailingRecord(t *testing.T) {
	s := openTestStore(t)

	good := sampleBlock(t, 0, 1)
	require.NoError(t, s.AppendBlock(good))

	// Simulate a crash mid-write: a length prefix with no body.
	_, err := s.logFile.Write([]byte{0, 0, 0, 50})
	require.NoError(t, err)

	loaded, err := s.LoadBlocks()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	// A second load must see the truncated, clean log.
	loaded2, err := s.LoadBlocks()
	require.NoError(t, err)
	require.Len(t, loaded2, 1)
}

func TestWriteAndReadMetadata(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.ReadMetadata()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.WriteMetadata(5, [32]byte{0x0f}, [32]byte{0xaa}))

	m, found, err := s.ReadMetadata()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(5), m.Height)
	require.Equal(t, [32]byte{0x0f}, m.Difficulty)
	require.Equal(t, [32]byte{0xaa}, m.GenesisHash)
}

func TestBanAndIsBanned(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Ban("203.0.113.5"))
	banned, err := s.IsBanned("203.0.113.5")
	require.NoError(t, err)
	require.True(t, banned)

	banned, err = s.IsBanned("203.0.113.6")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestRecordAnchorKeepsNewestFirstBounded(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < maxAnchors+3; i++ {
		require.NoError(t, s.RecordAnchor(string(rune('a'+i))+":8333"))
	}

	anchors, err := s.Anchors()
	require.NoError(t, err)
	require.Len(t, anchors, maxAnchors)
	// Most recently recorded anchor should be first.
	require.Equal(t, string(rune('a'+maxAnchors+2))+":8333", anchors[0].Address)
}

func TestSaveAndLoadWallet(t *testing.T) {
	s := openTestStore(t)

	_, _, found, err := s.LoadWallet()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.SaveWallet([]byte{1, 2, 3}, []byte{4, 5, 6}))

	pub, priv, found, err := s.LoadWallet()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{1, 2, 3}, pub)
	require.Equal(t, []byte{4, 5, 6}, priv)
}
