// Eviction and coalescing policy (spec.md §4.5, component C5).
package cache

import "github.com/skipor/memcached/arena"

// lruSearchDepth bounds how far get_lru_item walks the tail before giving
// up (spec.md default 50).
const lruSearchDepth = 50

// getLRUItem walks the tail of the chosen LRU up to lruSearchDepth
// positions and returns the first item with refcount == 0 (spec.md §4.5).
func (c *Cache) getLRUItem(small bool) *node {
	l := c.lruFor(small)
	n := l.tail()
	for i := 0; i < lruSearchDepth && !l.atHead(n); i++ {
		if n.refcount == 0 {
			return n
		}
		n = n.prev
	}
	return nil
}

const noCandidate int64 = -1 << 62

func (c *Cache) tailTime(small bool) int64 {
	l := c.lruFor(small)
	if l.empty() {
		return noCandidate
	}
	return l.tail().atime
}

// evictOldest unlinks whichever LRU's tail is older, breaking ties toward
// large when tieLarge is set (spec.md: "ties go to large" for a
// large-allocation request, and symmetrically toward small otherwise).
// It returns the node it evicted, or nil if neither tail yields a
// refcount==0 candidate within the search depth.
func (c *Cache) evictOldest(tieLarge bool) *node {
	st, lt := c.tailTime(true), c.tailTime(false)
	var evictSmall bool
	switch {
	case st == noCandidate && lt == noCandidate:
		return nil
	case st == noCandidate:
		evictSmall = false
	case lt == noCandidate:
		evictSmall = true
	case st < lt:
		evictSmall = true
	case st > lt:
		evictSmall = false
	default:
		evictSmall = !tieLarge
	}
	victim := c.getLRUItem(evictSmall)
	if victim == nil {
		// The tail-most candidate within search depth was pinned; try the
		// other LRU once before giving up, rather than failing eviction
		// outright on a single hot item.
		victim = c.getLRUItem(!evictSmall)
		if victim == nil {
			return nil
		}
	}
	c.unlinkLocked(victim, reasonEvict)
	return victim
}

// evictForLarge repeatedly evicts until the large free list holds at least
// n chunks, converting small-item evictions into large capacity through
// coalescing when simple eviction alone is not enough (spec.md §4.5
// "Evict for a large allocation").
func (c *Cache) evictForLarge(n int) bool {
	for c.chunks.LargeFreeCount() < n {
		if c.evictOldest(true) != nil {
			continue
		}
		if c.coalesceFreeSmallChunks(c.now) == coalesceNoProgress {
			return false
		}
	}
	return true
}

// evictForSmall repeatedly evicts until the small free list holds at least
// n chunks, breaking a freed large chunk into small chunks whenever a
// large-item eviction alone does not make enough small capacity available
// (spec.md §4.5 "Evict for a small allocation").
func (c *Cache) evictForSmall(n int) bool {
	for c.chunks.SmallFreeCount() < n {
		victim := c.evictOldest(false)
		if victim == nil {
			return false
		}
		if !victim.small && c.chunks.SmallFreeCount() < n {
			if id, ok := c.chunks.PopLarge(); ok {
				c.chunks.BreakLarge(id)
			}
		}
	}
	return true
}

type coalesceStatus int

const (
	coalesceNoProgress coalesceStatus = iota
	coalesceForwardProgress
	coalesceLargeChunkFormed
)

// coalesceFreeSmallChunks implements spec.md §4.5's migration algorithm:
// evict small-LRU items (bounded by stopTime) until a broken parent can be
// fully vacated, then move its still-used chunks elsewhere and return the
// parent to the large free list.
func (c *Cache) coalesceFreeSmallChunks(stopTime int64) coalesceStatus {
	for c.chunks.SmallFreeCount() < arena.SmallChunksPerLarge {
		tail := c.lruFor(true).tail()
		if c.lruFor(true).empty() || tail.atime > stopTime {
			break
		}
		before := c.chunks.LargeFreeCount()
		if c.getLRUItem(true) == nil {
			break
		}
		c.unlinkLocked(c.getLRUItem(true), reasonEvict)
		if c.chunks.LargeFreeCount() > before {
			return coalesceLargeChunkFormed
		}
	}

	parentID, ok := c.findUnreferencedBrokenParent()
	if !ok {
		return coalesceNoProgress
	}

	used := c.chunks.UsedSlots(parentID)
	for _, ptr := range used {
		c.chunks.MarkCoalescePending(ptr, true)
	}
	for _, oldPtr := range used {
		newPtr, ok := c.chunks.PopSmall()
		// The parent's own free slots are not migration targets; popping
		// them only takes them off the free list, and Unbreak below resets
		// the parent's slot accounting.
		for ok && newPtr.LargeID() == parentID {
			newPtr, ok = c.chunks.PopSmall()
		}
		if !ok {
			return coalesceNoProgress
		}
		copy(c.chunks.SmallBytes(newPtr), c.chunks.SmallBytes(oldPtr))
		owner := c.chunkOwner[oldPtr]
		if owner != nil {
			replaceChunkRef(owner, oldPtr, newPtr)
			delete(c.chunkOwner, oldPtr)
			c.chunkOwner[newPtr] = owner
		}
		c.chunks.Vacate(oldPtr)
		c.chunks.MarkCoalescePending(oldPtr, false)
	}
	c.chunks.Unbreak(parentID, true)
	return coalesceForwardProgress
}

// findUnreferencedBrokenParent implements spec.md §4.5 step 2: pick a
// broken parent none of whose still-used small chunks is pinned by a live
// item reference. This matters because itemReader.WriteTo (item.go) reads
// chunk memory through a refcounted node without holding cache_lock, so
// migrating a pinned chunk's bytes could race an in-flight reply write.
// Returns ok=false if every broken parent has at least one referenced
// descendant.
func (c *Cache) findUnreferencedBrokenParent() (id uint32, ok bool) {
	for _, candidate := range c.chunks.BrokenParentIDs() {
		if c.parentUnreferenced(candidate) {
			return candidate, true
		}
	}
	return 0, false
}

func (c *Cache) parentUnreferenced(id uint32) bool {
	for _, ptr := range c.chunks.UsedSlots(id) {
		if owner := c.chunkOwner[ptr]; owner != nil && owner.refcount != 0 {
			return false
		}
	}
	return true
}

func replaceChunkRef(n *node, old, new arena.ChunkPtr) {
	for i, p := range n.chunks {
		if p == old {
			n.chunks[i] = new
			return
		}
	}
}

// flushExpired walks both LRUs from the tail (the oldest end) while
// it.atime <= oldestLive, unlinking each as expired, stopping at the first
// item that is not stale (spec.md §4.5 flush_expired: LRUs are
// time-ordered so the sweep can stop early). Read from the tail, not the
// head as literally written in spec.md §4.5 — with this LRU's documented
// orientation (head = newest, tail = oldest, invariant I5) sweeping from
// the head while time ≥ oldest_live would instead discard freshly-written
// keys.
func (c *Cache) flushExpired(oldestLive int64) {
	for _, small := range [...]bool{true, false} {
		l := c.lruFor(small)
		for !l.empty() {
			victim := l.tail()
			if victim.atime > oldestLive {
				break
			}
			c.unlinkLocked(victim, reasonExpired)
		}
	}
}
