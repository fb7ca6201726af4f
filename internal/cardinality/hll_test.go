package cardinality

import (
	"fmt"
	"math"
	"testing"
)

func within(t *testing.T, got int64, want int, tolerance float64) {
	t.Helper()
	errorPct := math.Abs(float64(got)-float64(want)) / float64(want)
	if errorPct > tolerance {
		t.Errorf("estimate %d deviates %.2f%% from %d", got, errorPct*100, want)
	}
}

func TestHLLTracker_Add(t *testing.T) {
	tracker := NewHLLTracker()

	// HLL cannot tell whether a key is new.
	if !tracker.Add("key1") || !tracker.Add("key1") {
		t.Error("HLL Add should always return true")
	}
}

func TestHLLTracker_Count(t *testing.T) {
	tracker := NewHLLTracker()

	if tracker.Count() != 0 {
		t.Errorf("Initial count should be 0, got %d", tracker.Count())
	}
	for i := 0; i < 1000; i++ {
		tracker.Add(fmt.Sprintf("key%d", i))
	}
	within(t, tracker.Count(), 1000, 0.05)
}

func TestHLLTracker_HighCardinality(t *testing.T) {
	tracker := NewHLLTracker()

	const n = 100000
	for i := 0; i < n; i++ {
		tracker.Add(fmt.Sprintf("servers.host%d.cpu.core%d", i%100, i))
	}
	within(t, tracker.Count(), n, 0.02)
}

func TestHLLTracker_DuplicateHandling(t *testing.T) {
	tracker := NewHLLTracker()
	for i := 0; i < 10000; i++ {
		tracker.Add("same-key")
	}
	if count := tracker.Count(); count != 1 {
		t.Errorf("Count should be 1 for single unique key, got %d", count)
	}
}

func TestHLLTracker_Reset(t *testing.T) {
	tracker := NewHLLTracker()
	for i := 0; i < 1000; i++ {
		tracker.Add(fmt.Sprintf("key%d", i))
	}

	tracker.Reset()

	if tracker.Count() != 0 {
		t.Errorf("Count should be 0 after reset, got %d", tracker.Count())
	}
}

func TestHLLTracker_Rotate(t *testing.T) {
	tracker := NewHLLTracker()
	for i := 0; i < 500; i++ {
		tracker.Add(fmt.Sprintf("key%d", i))
	}

	old := tracker.Rotate()

	within(t, old.Count(), 500, 0.05)
	if tracker.Count() != 0 {
		t.Errorf("tracker should be empty after Rotate, got %d", tracker.Count())
	}
}

func TestHLLTracker_Merge(t *testing.T) {
	a := NewHLLTracker()
	b := NewHLLTracker()

	// 1000 keys each, 500 in common.
	for i := 0; i < 1000; i++ {
		a.Add(fmt.Sprintf("key%d", i))
		b.Add(fmt.Sprintf("key%d", i+500))
	}

	union := NewHLLTracker()
	if err := union.Merge(a); err != nil {
		t.Fatal(err)
	}
	if err := union.Merge(b); err != nil {
		t.Fatal(err)
	}

	within(t, union.Count(), 1500, 0.05)
	within(t, a.Count(), 1000, 0.05)
}

func TestHLLTracker_MemoryUsage(t *testing.T) {
	tracker := NewHLLTracker()
	mem := tracker.MemoryUsage()
	for i := 0; i < 100000; i++ {
		tracker.Add(fmt.Sprintf("key%d", i))
	}
	if tracker.MemoryUsage() != mem {
		t.Errorf("HLL memory should remain fixed at %d", mem)
	}
}
