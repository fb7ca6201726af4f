package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
)

// HLLTracker estimates the number of distinct keys in fixed memory using
// HyperLogLog (~12KB with the default precision of 14). It cannot test
// membership, so Add always returns true.
type HLLTracker struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewHLLTracker creates an empty tracker.
func NewHLLTracker() *HLLTracker {
	return &HLLTracker{sketch: hyperloglog.New()}
}

// Add inserts key.
func (t *HLLTracker) Add(key string) bool {
	t.mu.Lock()
	t.sketch.InsertHash(xxhash.Sum64String(key))
	t.mu.Unlock()
	return true
}

// Count returns the estimated number of distinct keys.
// Uses a full lock because Estimate may merge the sparse representation.
func (t *HLLTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.sketch.Estimate())
}

// Reset starts a new, empty sketch.
func (t *HLLTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch = hyperloglog.New()
}

// Rotate returns the keys seen so far as a new tracker and resets t, in one
// step, so no key is lost between reading and resetting.
func (t *HLLTracker) Rotate() *HLLTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sketch
	t.sketch = hyperloglog.New()
	return &HLLTracker{sketch: old}
}

// Merge adds every key of other to t. other is not modified.
func (t *HLLTracker) Merge(other *HLLTracker) error {
	other.mu.Lock()
	clone := other.sketch.Clone()
	other.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sketch.Merge(clone)
}

// MemoryUsage returns approximate memory usage in bytes.
func (t *HLLTracker) MemoryUsage() uint64 {
	return 12288
}
