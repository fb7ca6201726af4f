package sharding

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the default number of virtual points per member.
const DefaultVirtualNodes = 150

// Hash names accepted in cluster configuration.
const (
	HashXXHash = "xxhash"
	HashFNV1a  = "fnv1a"
	HashMD5    = "md5"
)

// HashFunc maps a key to a position on the ring. It must be stable across
// processes: rings built on different relays from the same member list
// place keys identically.
type HashFunc func(key string) uint64

// ParseHash returns the hash function registered under name.
// An empty name selects xxhash.
func ParseHash(name string) (HashFunc, error) {
	switch name {
	case "", HashXXHash:
		return xxhash.Sum64String, nil
	case HashFNV1a:
		return fnv1a64, nil
	case HashMD5:
		return md5Prefix64, nil
	default:
		return nil, fmt.Errorf("unknown hash %q (want %s, %s or %s)", name, HashXXHash, HashFNV1a, HashMD5)
	}
}

func fnv1a64(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// md5Prefix64 uses the first 8 bytes of the MD5 digest, which keeps key
// placement close to graphite's carbon_ch for operators migrating from it.
func md5Prefix64(key string) uint64 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// Ring is an immutable consistent hash ring. Rebuilding on membership
// change produces a new Ring; readers holding the old one keep a
// consistent view.
type Ring struct {
	points  []uint64 // sorted hash values
	owners  []int32  // member index for each point
	members []string // sorted, de-duplicated
	hash    HashFunc
	vnodes  int
}

// Build places virtualNodes points per member on a new ring. Members are
// sorted and de-duplicated first, so the same set in any order yields the
// same ring. If virtualNodes is 0 or negative, DefaultVirtualNodes is used;
// a nil hash selects xxhash.
func Build(members []string, virtualNodes int, hash HashFunc) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	if hash == nil {
		hash = xxhash.Sum64String
	}

	sorted := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)

	r := &Ring{
		points:  make([]uint64, 0, len(sorted)*virtualNodes),
		owners:  make([]int32, 0, len(sorted)*virtualNodes),
		members: sorted,
		hash:    hash,
		vnodes:  virtualNodes,
	}

	for idx, member := range sorted {
		for i := 0; i < virtualNodes; i++ {
			// Hash format: "member#i"
			r.points = append(r.points, hash(member+"#"+strconv.Itoa(i)))
			r.owners = append(r.owners, int32(idx))
		}
	}

	// Ties on equal hash values are broken by member order so that
	// collisions resolve the same way everywhere.
	sort.Sort(byPoint{r})

	IncrementRehash()
	return r
}

type byPoint struct{ r *Ring }

func (b byPoint) Len() int { return len(b.r.points) }
func (b byPoint) Less(i, j int) bool {
	if b.r.points[i] != b.r.points[j] {
		return b.r.points[i] < b.r.points[j]
	}
	return b.r.owners[i] < b.r.owners[j]
}
func (b byPoint) Swap(i, j int) {
	b.r.points[i], b.r.points[j] = b.r.points[j], b.r.points[i]
	b.r.owners[i], b.r.owners[j] = b.r.owners[j], b.r.owners[i]
}

// Lookup returns up to n distinct members for key, in ring order starting
// at the first point at or after the key's hash. It returns exactly
// min(n, Size()) members.
func (r *Ring) Lookup(key string, n int) []string {
	idx := r.AppendLookup(nil, key, n)
	out := make([]string, len(idx))
	for i, m := range idx {
		out[i] = r.members[m]
	}
	return out
}

// AppendLookup is Lookup returning member indexes (see Members) appended
// to dst. It does not allocate when dst has room and the ring has at most
// 64 members.
func (r *Ring) AppendLookup(dst []int, key string, n int) []int {
	if n > len(r.members) {
		n = len(r.members)
	}
	if n <= 0 {
		return dst
	}

	hash := r.hash(key)

	// Binary search for the first ring position >= hash
	start := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= hash
	})

	if n == 1 {
		// Wrap around if necessary
		if start >= len(r.points) {
			start = 0
		}
		return append(dst, int(r.owners[start]))
	}

	var (
		mask  uint64
		seen  []bool
		found int
	)
	if len(r.members) > 64 {
		seen = make([]bool, len(r.members))
	}
	for i := 0; i < len(r.points) && found < n; i++ {
		owner := int(r.owners[(start+i)%len(r.points)])
		if seen != nil {
			if seen[owner] {
				continue
			}
			seen[owner] = true
		} else {
			bit := uint64(1) << uint(owner)
			if mask&bit != 0 {
				continue
			}
			mask |= bit
		}
		dst = append(dst, owner)
		found++
	}
	return dst
}

// Members returns the ring's members in index order. The slice must not be
// modified.
func (r *Ring) Members() []string {
	return r.members
}

// Size returns the number of members.
func (r *Ring) Size() int {
	return len(r.members)
}

// IsEmpty returns true if the ring has no members.
func (r *Ring) IsEmpty() bool {
	return len(r.members) == 0
}

// VirtualNodes returns the number of points placed per member.
func (r *Ring) VirtualNodes() int {
	return r.vnodes
}
