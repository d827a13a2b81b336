package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Ring implements consistent hashing with virtual nodes. The broker uses it
// to spread users across realms that serve the same query type: the mapping
// is stable for a given member set, so the same user key always lands on
// the same realm.
type Ring struct {
	mu      sync.RWMutex
	ring    []uint64
	ringMap map[uint64]string
	members map[string][]uint64
	vnodes  int
}

// NewRing creates a ring placing vnodes virtual nodes per member.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = 64
	}
	return &Ring{
		ringMap: make(map[uint64]string),
		members: make(map[string][]uint64),
		vnodes:  vnodes,
	}
}

// Add places a member on the ring. Adding an existing member is a no-op.
func (r *Ring) Add(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[member]; ok {
		return
	}
	hashes := make([]uint64, 0, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		h := Hash(fmt.Sprintf("%s#%d", member, i))
		r.ring = append(r.ring, h)
		r.ringMap[h] = member
		hashes = append(hashes, h)
	}
	r.members[member] = hashes
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// Remove takes a member off the ring.
func (r *Ring) Remove(member string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, ok := r.members[member]
	if !ok {
		return
	}
	drop := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		drop[h] = true
		delete(r.ringMap, h)
	}
	kept := r.ring[:0]
	for _, h := range r.ring {
		if !drop[h] {
			kept = append(kept, h)
		}
	}
	r.ring = kept
	delete(r.members, member)
}

// Locate returns the member owning the key, or "" for an empty ring.
func (r *Ring) Locate(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return ""
	}
	h := Hash(key)
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= h })
	if idx >= len(r.ring) {
		idx = 0
	}
	return r.ringMap[r.ring[idx]]
}

// Members returns the current member names, sorted.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Hash computes the ring hash of a key: the first 8 bytes of its SHA-256.
func Hash(key string) uint64 {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return binary.BigEndian.Uint64(sum[:8])
}
