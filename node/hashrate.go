package node

import (
	"sync"
	"time"
)

// hashRateEstimateWindow is how many recently mined/attempted blocks feed
// the EWMA hash-rate estimate surfaced by GetState.
const hashRateEstimateWindow = 20

// hashRateEWMAAlpha weights the most recent sample; chosen so roughly the
// last hashRateEstimateWindow samples dominate the estimate.
const hashRateEWMAAlpha = 2.0 / (hashRateEstimateWindow + 1)

// hashRateEstimator tracks an EWMA of nonce-attempts-per-second across the
// miner's own mining attempts, since spec §4.12 requires a hash-rate field
// but leaves the estimator unspecified.
type hashRateEstimator struct {
	mu            sync.Mutex
	lastAttempts  uint64
	lastSampledAt time.Time
	ewma          float64
	haveSample    bool
}

func newHashRateEstimator() *hashRateEstimator {
	return &hashRateEstimator{}
}

// recordBlock samples the miner's lifetime nonce-attempt counter whenever a
// block is accepted locally, folding the attempts-per-second since the last
// sample into the running EWMA.
func (e *hashRateEstimator) recordBlock(totalAttempts uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if !e.haveSample {
		e.lastAttempts = totalAttempts
		e.lastSampledAt = now
		e.haveSample = true
		return
	}

	elapsed := now.Sub(e.lastSampledAt).Seconds()
	if elapsed <= 0 || totalAttempts < e.lastAttempts {
		e.lastAttempts = totalAttempts
		e.lastSampledAt = now
		return
	}

	sample := float64(totalAttempts-e.lastAttempts) / elapsed
	if e.ewma == 0 {
		e.ewma = sample
	} else {
		e.ewma = hashRateEWMAAlpha*sample + (1-hashRateEWMAAlpha)*e.ewma
	}
	e.lastAttempts = totalAttempts
	e.lastSampledAt = now
}

// estimate returns the current hashes-per-second estimate, 0 if no block
// has been mined locally yet.
func (e *hashRateEstimator) estimate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ewma
}
