package cardinality

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Tracker counts distinct keys.
type Tracker interface {
	// Add records key. Returns true if the key was not seen before (for
	// trackers that cannot tell, always true).
	Add(key string) bool

	// Count returns the number of distinct keys seen.
	Count() int64

	// Reset forgets every key.
	Reset()
}

// Config sizes a BloomTracker.
type Config struct {
	// ExpectedItems is the number of distinct keys the filter holds before
	// it starts over.
	ExpectedItems uint

	// FalsePositiveRate is the target false positive rate at ExpectedItems.
	FalsePositiveRate float64
}

// DefaultConfig returns a 10K key, 1% false positive configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     10000,
		FalsePositiveRate: 0.01,
	}
}

// BloomTracker remembers keys in a Bloom filter of fixed size. Once
// ExpectedItems distinct keys were added, the filter is cleared and starts
// over with the key that overflowed it, so memory stays fixed and the false
// positive rate never drifts far above the target.
type BloomTracker struct {
	mu       sync.Mutex
	filter   *bloom.BloomFilter
	capacity int64
	count    int64
}

// NewBloomTracker creates a Bloom filter-based tracker.
func NewBloomTracker(cfg Config) *BloomTracker {
	def := DefaultConfig()
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = def.FalsePositiveRate
	}
	return &BloomTracker{
		filter:   bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
		capacity: int64(cfg.ExpectedItems),
	}
}

// Add returns true if key was (probably) not seen since the last reset.
// A false positive makes a new key look known.
func (t *BloomTracker) Add(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filter.TestAndAddString(key) {
		return false
	}
	t.count++
	if t.count > t.capacity {
		t.filter.ClearAll()
		t.filter.AddString(key)
		t.count = 1
	}
	return true
}

// Count returns the number of keys held since the filter last started over.
func (t *BloomTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Reset clears the filter.
func (t *BloomTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filter.ClearAll()
	t.count = 0
}

// MemoryUsage returns the size of the bit array in bytes.
func (t *BloomTracker) MemoryUsage() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(t.filter.Cap()) / 8
}
