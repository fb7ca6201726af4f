package sharding

import (
	"fmt"
	"math"
	"reflect"
	"testing"
)

var threeMembers = []string{"10.0.0.1:2003", "10.0.0.2:2003", "10.0.0.3:2003"}

func TestBuild(t *testing.T) {
	ring := Build(threeMembers, 10, nil)
	if ring.Size() != 3 {
		t.Errorf("expected size=3, got %d", ring.Size())
	}
	if len(ring.points) != 30 {
		t.Errorf("expected 30 points, got %d", len(ring.points))
	}
	for i := 1; i < len(ring.points); i++ {
		if ring.points[i-1] > ring.points[i] {
			t.Fatalf("points not sorted at %d", i)
		}
	}
}

func TestBuild_DefaultVirtualNodes(t *testing.T) {
	for _, vn := range []int{0, -5} {
		ring := Build(threeMembers, vn, nil)
		if ring.VirtualNodes() != DefaultVirtualNodes {
			t.Errorf("Build(vn=%d): expected default virtualNodes=%d, got %d", vn, DefaultVirtualNodes, ring.VirtualNodes())
		}
	}
}

func TestBuild_SortsAndDeduplicates(t *testing.T) {
	ring := Build([]string{"c:1", "a:1", "b:1", "a:1"}, 10, nil)
	want := []string{"a:1", "b:1", "c:1"}
	if !reflect.DeepEqual(ring.Members(), want) {
		t.Errorf("Members() = %v, want %v", ring.Members(), want)
	}
}

func TestRing_EmptyRing(t *testing.T) {
	ring := Build(nil, 10, nil)
	if !ring.IsEmpty() {
		t.Error("expected empty ring")
	}
	if got := ring.Lookup("key", 3); len(got) != 0 {
		t.Errorf("expected no members, got %v", got)
	}
}

func TestRing_LookupCount(t *testing.T) {
	ring := Build(threeMembers, 100, nil)

	for n := 0; n <= 5; n++ {
		got := ring.Lookup("app.cpu", n)
		want := n
		if want > 3 {
			want = 3
		}
		if len(got) != want {
			t.Errorf("Lookup(n=%d) returned %d members, want %d", n, len(got), want)
		}
		seen := make(map[string]bool)
		for _, m := range got {
			if seen[m] {
				t.Errorf("Lookup(n=%d) returned duplicate %s", n, m)
			}
			seen[m] = true
		}
	}
}

func TestRing_LookupOrderIsPrefixStable(t *testing.T) {
	ring := Build(threeMembers, 100, nil)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("metric.%d", i)
		all := ring.Lookup(key, 3)
		for n := 1; n <= 3; n++ {
			if got := ring.Lookup(key, n); !reflect.DeepEqual(got, all[:n]) {
				t.Fatalf("Lookup(%s, %d) = %v, not a prefix of %v", key, n, got, all)
			}
		}
	}
}

func TestRing_SingleMember(t *testing.T) {
	ring := Build([]string{"10.0.0.1:2003"}, 100, nil)
	for _, key := range []string{"key1", "key2", "a.b.c", ""} {
		got := ring.Lookup(key, 2)
		if len(got) != 1 || got[0] != "10.0.0.1:2003" {
			t.Errorf("Lookup(%q) = %v", key, got)
		}
	}
}

func TestRing_Deterministic(t *testing.T) {
	for _, name := range []string{HashXXHash, HashFNV1a, HashMD5} {
		t.Run(name, func(t *testing.T) {
			hash, err := ParseHash(name)
			if err != nil {
				t.Fatal(err)
			}
			// Two rings built independently, members in different order.
			ring1 := Build(threeMembers, 100, hash)
			ring2 := Build([]string{threeMembers[2], threeMembers[0], threeMembers[1]}, 100, hash)

			for i := 0; i < 1000; i++ {
				key := fmt.Sprintf("servers.host%d.cpu", i)
				a := ring1.Lookup(key, 2)
				b := ring2.Lookup(key, 2)
				if !reflect.DeepEqual(a, b) {
					t.Fatalf("non-deterministic for key %s: %v vs %v", key, a, b)
				}
				if again := ring1.Lookup(key, 2); !reflect.DeepEqual(a, again) {
					t.Fatalf("repeated lookup differs for key %s: %v vs %v", key, a, again)
				}
			}
		})
	}
}

func TestRing_KnownPlacementIsStable(t *testing.T) {
	// Placement must not depend on process state (no random seeds).
	ring := Build([]string{"a:2003", "b:2003"}, 150, nil)
	first := ring.Lookup("app.cpu", 1)[0]
	for i := 0; i < 10; i++ {
		if got := Build([]string{"b:2003", "a:2003"}, 150, nil).Lookup("app.cpu", 1)[0]; got != first {
			t.Fatalf("placement changed between builds: %s vs %s", got, first)
		}
	}
}

func TestRing_Distribution(t *testing.T) {
	ring := Build(threeMembers, 150, nil)

	counts := make(map[string]int)
	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("metric_%d.service.api", i)
		counts[ring.Lookup(key, 1)[0]]++
	}

	// With 3 members, each should get ~33% of keys. Allow 20% deviation.
	expectedPerMember := numKeys / len(threeMembers)
	tolerance := float64(expectedPerMember) * 0.20

	for member, count := range counts {
		deviation := math.Abs(float64(count) - float64(expectedPerMember))
		if deviation > tolerance {
			t.Errorf("uneven distribution for %s: got %d, expected ~%d (deviation %.1f%%)",
				member, count, expectedPerMember, deviation/float64(expectedPerMember)*100)
		}
	}
}

func TestRing_MinimalRehashOnAdd(t *testing.T) {
	before := Build(threeMembers, 150, nil)
	after := Build(append(append([]string{}, threeMembers...), "10.0.0.4:2003"), 150, nil)

	numKeys := 10000
	changed := 0
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("metric_%d.service.api", i)
		old := before.Lookup(key, 1)[0]
		now := after.Lookup(key, 1)[0]
		if old != now {
			changed++
			// Keys only move to the new member.
			if now != "10.0.0.4:2003" {
				t.Fatalf("key %s moved between existing members: %s -> %s", key, old, now)
			}
		}
	}

	// Adding 1 member should move ~1/n keys where n is the new member count.
	expectedChanges := numKeys / 4
	if maxAllowed := expectedChanges * 2; changed > maxAllowed {
		t.Errorf("too many keys changed: %d > %d (expected ~%d)", changed, maxAllowed, expectedChanges)
	}
	if changed == 0 {
		t.Error("expected some keys to move to the new member")
	}
}

func TestRing_MinimalRehashOnRemove(t *testing.T) {
	before := Build(threeMembers, 150, nil)
	after := Build(threeMembers[:2], 150, nil)
	removed := threeMembers[2]

	numKeys := 10000
	changed := 0
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("metric_%d", i)
		old := before.Lookup(key, 1)[0]
		now := after.Lookup(key, 1)[0]
		if old == now {
			continue
		}
		changed++
		if old != removed {
			t.Fatalf("key %s on surviving member %s moved to %s", key, old, now)
		}
	}

	expectedChanges := numKeys / 3
	if maxAllowed := expectedChanges * 2; changed > maxAllowed {
		t.Errorf("too many keys changed: %d > %d (expected ~%d)", changed, maxAllowed, expectedChanges)
	}
}

func TestRing_LargeMembership(t *testing.T) {
	members := make([]string, 100)
	for i := range members {
		members[i] = fmt.Sprintf("10.0.%d.%d:2003", i/250, i%250)
	}
	ring := Build(members, 20, nil)

	got := ring.Lookup("app.cpu", 100)
	if len(got) != 100 {
		t.Fatalf("expected all 100 members, got %d", len(got))
	}
	seen := make(map[string]bool)
	for _, m := range got {
		if seen[m] {
			t.Fatalf("duplicate member %s", m)
		}
		seen[m] = true
	}
}

func TestRing_AppendLookupReusesBuffer(t *testing.T) {
	ring := Build(threeMembers, 50, nil)
	buf := make([]int, 0, 4)
	out := ring.AppendLookup(buf, "x.y", 2)
	if len(out) != 2 || &out[0] != &buf[:1][0] {
		t.Error("expected AppendLookup to use the provided buffer")
	}
}

func TestParseHash(t *testing.T) {
	for _, name := range []string{"", HashXXHash, HashFNV1a, HashMD5} {
		if _, err := ParseHash(name); err != nil {
			t.Errorf("ParseHash(%q) error = %v", name, err)
		}
	}
	if _, err := ParseHash("crc32"); err == nil {
		t.Error("expected error for unknown hash")
	}
}

func BenchmarkRing_Lookup(b *testing.B) {
	ring := Build(threeMembers, 150, nil)
	buf := make([]int, 0, 3)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = ring.AppendLookup(buf[:0], "servers.web01.cpu.user", 2)
	}
}
