// Hash index (spec.md §4.4, component C4): a flat chained hash table sized
// to a power of two, with lazy expansion that migrates one bucket per
// external tick so a single resize never stalls a request.
package cache

import (
	"bytes"
	"regexp"

	"github.com/cespare/xxhash/v2"
)

const initialBucketBits = 10 // 1024 buckets to start, matches memcached's own default order of magnitude

type hashIndex struct {
	buckets []*node // current generation, chained through node.hnext
	mask    uint64

	// old holds the previous generation during a resize; buckets not yet
	// migrated still live here.
	old        []*node
	oldMask    uint64
	migrateIdx int

	count int
}

func newHashIndex() *hashIndex {
	h := &hashIndex{}
	h.buckets = make([]*node, 1<<initialBucketBits)
	h.mask = uint64(len(h.buckets) - 1)
	return h
}

func keyHash(key []byte) uint64 { return xxhash.Sum64(key) }

func (h *hashIndex) bucketFor(table []*node, mask uint64, key []byte) int {
	return int(keyHash(key) & mask)
}

// find compares by length then bytes, per spec.md §4.4.
func (h *hashIndex) find(key []byte) *node {
	if n := findIn(h.old, h.oldMask, key); h.old != nil && n != nil {
		return n
	}
	return findIn(h.buckets, h.mask, key)
}

func findIn(table []*node, mask uint64, key []byte) *node {
	if table == nil {
		return nil
	}
	idx := int(keyHash(key) & mask)
	for n := table[idx]; n != nil; n = n.hnext {
		if len(n.Key) == len(key) && bytes.Equal(n.Key, key) {
			return n
		}
	}
	return nil
}

// insert prepends n to its bucket (spec.md §4.4 insert).
func (h *hashIndex) insert(n *node) {
	h.maybeGrow()
	idx := h.bucketFor(h.buckets, h.mask, n.Key)
	n.hnext = h.buckets[idx]
	h.buckets[idx] = n
	h.count++
	h.migrateOne()
}

// delete unlinks n by identity, checking both generations during a resize.
func (h *hashIndex) delete(n *node) {
	if h.old != nil && deleteFrom(h.old, h.oldMask, n) {
		h.count--
		return
	}
	if deleteFrom(h.buckets, h.mask, n) {
		h.count--
	}
}

func deleteFrom(table []*node, mask uint64, n *node) bool {
	if table == nil {
		return false
	}
	idx := int(keyHash(n.Key) & mask)
	cur := table[idx]
	var prev *node
	for cur != nil {
		if cur == n {
			if prev == nil {
				table[idx] = cur.hnext
			} else {
				prev.hnext = cur.hnext
			}
			cur.hnext = nil
			return true
		}
		prev, cur = cur, cur.hnext
	}
	return false
}

// update replaces the index entry for old's key with new (spec.md §4.4
// update) by deleting old and inserting new at the head of its bucket.
// Cache.replaceLocked (ops.go) does not call it: it unlinks the old item
// and links the new one instead.
func (h *hashIndex) update(old, new *node) {
	h.delete(old)
	h.insert(new)
}

// maybeGrow starts doubling the table once load factor exceeds 1.5; actual
// migration happens incrementally via migrateOne so no single call does
// O(n) work.
func (h *hashIndex) maybeGrow() {
	if h.old != nil {
		return // already resizing
	}
	if uint64(h.count) < (h.mask+1)*3/2 {
		return
	}
	h.old = h.buckets
	h.oldMask = h.mask
	h.buckets = make([]*node, len(h.old)*2)
	h.mask = uint64(len(h.buckets) - 1)
	h.migrateIdx = 0
}

// migrateOne moves one old bucket's chain into the new table
// (spec.md §4.4 "lazy expansion that migrates one bucket per external
// tick"). Called both from insert (so a busy index finishes resizing) and
// from Cache's periodic tick.
func (h *hashIndex) migrateOne() {
	if h.old == nil {
		return
	}
	if h.migrateIdx >= len(h.old) {
		h.old = nil
		return
	}
	n := h.old[h.migrateIdx]
	h.old[h.migrateIdx] = nil
	h.migrateIdx++
	for n != nil {
		next := n.hnext
		idx := int(keyHash(n.Key) & h.mask)
		n.hnext = h.buckets[idx]
		h.buckets[idx] = n
		n = next
	}
	if h.migrateIdx >= len(h.old) {
		h.old = nil
	}
}

// Tick drives one step of background bucket migration; call from the
// periodic hygiene sweep (spec.md §4.4 move_next_bucket).
func (h *hashIndex) Tick() { h.migrateOne() }

// expireRegex walks every bucket in both generations and unlinks items
// whose key matches pattern, reporting expired to onExpire so the caller
// can run the usual unlink-as-expired bookkeeping. The dialect is POSIX
// ERE (regexp.CompilePOSIX), per spec.md DESIGN NOTES: "the implementer
// should define one (POSIX ERE recommended) and document it."
func (h *hashIndex) expireRegex(pattern *regexp.Regexp, onExpire func(*node)) int {
	count := 0
	walk := func(table []*node) {
		for _, head := range table {
			for n := head; n != nil; {
				next := n.hnext // onExpire may mutate n.hnext via delete
				if pattern.Match(n.Key) {
					count++
					onExpire(n)
				}
				n = next
			}
		}
	}
	if h.old != nil {
		walk(h.old)
	}
	walk(h.buckets)
	return count
}
