package syncrelay

// chainHashSource is the read surface locator construction and fork search need.
type chainHashSource interface {
	Height() uint64
	GetBlockHash(h uint64) ([32]byte, bool)
}

// buildLocator returns `[tip, tip-1, tip-2, tip-4, tip-8, …, genesis]`,
// spec §4.11's exponential-backoff block locator for fork-point discovery.
func buildLocator(c chainHashSource) [][32]byte {
	height := c.Height()
	var out [][32]byte
	offset := uint64(0)
	for {
		h := uint64(0)
		if offset < height {
			h = height - offset
		}
		hash, ok := c.GetBlockHash(h)
		if ok {
			out = append(out, hash)
		}
		if h == 0 {
			break
		}
		if offset == 0 {
			offset = 1
		} else {
			offset *= 2
		}
	}
	return out
}

// findForkPoint searches our chain for the block whose hash equals
// prevHash, returning its height. Used once a fork candidate's first
// header is known.
func findForkPoint(c chainHashSource, prevHash [32]byte) (uint64, bool) {
	for h := c.Height(); ; h-- {
		hash, ok := c.GetBlockHash(h)
		if ok && hash == prevHash {
			return h, true
		}
		if h == 0 {
			return 0, false
		}
	}
}
