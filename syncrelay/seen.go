package syncrelay

import lru "github.com/hashicorp/golang-lru/v2"

// MaxSeenEntries bounds the gossip dedup cache, spec §4.11.
const MaxSeenEntries = 10000

// seenCache tracks inventory hashes already processed, so a re-announced
// block/tx is not re-fetched or re-broadcast.
type seenCache struct {
	cache *lru.Cache[[32]byte, struct{}]
}

func newSeenCache() *seenCache {
	c, err := lru.New[[32]byte, struct{}](MaxSeenEntries)
	if err != nil {
		panic("invalid seen cache size: " + err.Error())
	}
	return &seenCache{cache: c}
}

// MarkSeen records hash as seen, returning true if it was newly added
// (i.e. had not been seen before).
func (s *seenCache) MarkSeen(hash [32]byte) bool {
	if s.cache.Contains(hash) {
		return false
	}
	s.cache.Add(hash, struct{}{})
	return true
}
