// Package chunk implements the chunk allocator (spec.md §4.2, component C2):
// two free lists over the large chunks an arena.Arena hands out, able to
// break a large chunk into small chunks and coalesce it back.
//
// Callers are expected to hold whatever lock guards the shared cache state
// (cache_lock in spec.md §4.8); this package does no locking of its own.
package chunk

import "github.com/skipor/memcached/arena"

// Stats mirrors spec.md §4.2 "statistics (break events, unbreak events,
// broken-chunk histogram)".
type Stats struct {
	BreakEvents   int64
	UnbreakEvents int64
	BrokenChunks  int64 // currently-broken large chunks
}

type largeMeta struct {
	broken bool
	used   bool // whole-chunk in use (title or body); mutually exclusive with broken
	// per-slot accounting, valid only while broken
	smallUsed            [arena.SmallChunksPerLarge]bool
	smallCoalescePending [arena.SmallChunksPerLarge]bool
	smallAllocated       int
}

// Allocator tracks large/small free lists on top of an arena.Arena.
type Allocator struct {
	a *arena.Arena

	meta []largeMeta // indexed by large id

	largeFree []uint32         // LIFO stack of free large ids
	smallFree []arena.ChunkPtr // LIFO stack of free small chunk pointers

	Stats Stats
}

// New wraps a freshly created arena with empty free lists.
func New(a *arena.Arena) *Allocator {
	return &Allocator{a: a}
}

func (c *Allocator) ensureMeta(id uint32) {
	for uint32(len(c.meta)) <= id {
		c.meta = append(c.meta, largeMeta{})
	}
}

// Grow asks the arena for its next increment of large chunks and pushes all
// of them onto the large free list. It returns false, pushing nothing, when
// fewer than a full arena increment of unused chunks remain (spec.md §4.1
// arena_grow contract).
func (c *Allocator) Grow() bool {
	ids, ok := c.a.Grow()
	if !ok {
		return false
	}
	c.ensureMeta(ids[len(ids)-1])
	for _, id := range ids {
		c.largeFree = append(c.largeFree, id)
	}
	return true
}

// LargeFreeCount is the number of whole large chunks immediately available.
func (c *Allocator) LargeFreeCount() int { return len(c.largeFree) }

// SmallFreeCount is the number of small chunks immediately available.
func (c *Allocator) SmallFreeCount() int { return len(c.smallFree) }

// PopLarge removes and returns a free large chunk id, O(1). ok is false if
// the large free list is empty.
func (c *Allocator) PopLarge() (id uint32, ok bool) {
	n := len(c.largeFree)
	if n == 0 {
		return 0, false
	}
	id = c.largeFree[n-1]
	c.largeFree = c.largeFree[:n-1]
	c.meta[id].used = true
	return id, true
}

// PushLarge returns a used large chunk to the free list.
func (c *Allocator) PushLarge(id uint32) {
	c.meta[id] = largeMeta{}
	c.largeFree = append(c.largeFree, id)
}

// PopSmall removes and returns a free small chunk pointer, O(1), bumping its
// parent's small_chunks_allocated counter (spec.md §4.2 free_pop).
func (c *Allocator) PopSmall() (ptr arena.ChunkPtr, ok bool) {
	n := len(c.smallFree)
	if n == 0 {
		return arena.Null, false
	}
	ptr = c.smallFree[n-1]
	c.smallFree = c.smallFree[:n-1]
	id, idx := ptr.LargeID(), ptr.SmallIndex()
	c.meta[id].smallUsed[idx] = true
	c.meta[id].smallAllocated++
	return ptr, true
}

// PushSmall returns a used small chunk to the free list, decrementing its
// parent's small_chunks_allocated counter. If tryMerge is set and the
// parent is now fully free, the parent is unbroken immediately (spec.md
// §4.2 free_push).
func (c *Allocator) PushSmall(ptr arena.ChunkPtr, tryMerge bool) {
	id, idx := ptr.LargeID(), ptr.SmallIndex()
	m := &c.meta[id]
	m.smallUsed[idx] = false
	m.smallAllocated--
	c.smallFree = append(c.smallFree, ptr)
	if tryMerge && m.smallAllocated == 0 {
		c.Unbreak(id, false)
	}
}

// BreakLarge marks a free large chunk as broken and pushes all of its small
// chunks onto the small free list in reverse order, so that the physical
// order of the next SmallChunksPerLarge pops from this parent is ascending
// (spec.md §4.2 break_large).
func (c *Allocator) BreakLarge(id uint32) {
	c.ensureMeta(id)
	m := &c.meta[id]
	*m = largeMeta{broken: true}
	for i := arena.SmallChunksPerLarge - 1; i >= 0; i-- {
		c.smallFree = append(c.smallFree, arena.SmallPtr(id, uint32(i)))
	}
	c.Stats.BreakEvents++
	c.Stats.BrokenChunks++
}

// Unbreak requires either small_chunks_allocated == 0 or mandatory; it
// removes every still-free small chunk belonging to id from the small free
// list, resets its flags, and pushes id back as a free large chunk
// (spec.md §4.2 unbreak). It returns false if the precondition fails.
func (c *Allocator) Unbreak(id uint32, mandatory bool) bool {
	m := &c.meta[id]
	if !m.broken {
		return false
	}
	if m.smallAllocated != 0 && !mandatory {
		return false
	}
	filtered := c.smallFree[:0]
	for _, p := range c.smallFree {
		if p.LargeID() == id {
			continue
		}
		filtered = append(filtered, p)
	}
	c.smallFree = filtered
	*m = largeMeta{}
	c.largeFree = append(c.largeFree, id)
	c.Stats.UnbreakEvents++
	c.Stats.BrokenChunks--
	return true
}

// Vacate marks a still-used small chunk as free without pushing it onto the
// small free list, used only while coalescing migrates the chunk's owner
// elsewhere immediately before the whole parent is unbroken (spec.md §4.5
// step 4: "Decrement small_chunks_allocated").
func (c *Allocator) Vacate(ptr arena.ChunkPtr) {
	m := &c.meta[ptr.LargeID()]
	m.smallUsed[ptr.SmallIndex()] = false
	m.smallAllocated--
}

// SmallAllocated reports how many of a broken large chunk's small slots are
// currently in use.
func (c *Allocator) SmallAllocated(id uint32) int { return c.meta[id].smallAllocated }

// IsBroken reports whether large chunk id is currently subdivided.
func (c *Allocator) IsBroken(id uint32) bool { return c.meta[id].broken }

// FindBrokenParent returns the id of a broken large chunk that still has
// used small slots, or ok=false if every broken chunk is already fully
// free.
func (c *Allocator) FindBrokenParent() (id uint32, ok bool) {
	for i, m := range c.meta {
		if m.broken && m.smallAllocated > 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

// BrokenParentIDs returns every broken large chunk that still has used
// small slots, in ascending id order. The allocator has no notion of item
// refcounts, so it enumerates all candidates; cache.coalesceFreeSmallChunks
// (the only caller that knows per-item refcounts) picks the first one none
// of whose descendants is pinned (spec.md §4.5 coalesce_free_small_chunks
// step 2: "Find an unreferenced broken parent").
func (c *Allocator) BrokenParentIDs() []uint32 {
	var ids []uint32
	for i, m := range c.meta {
		if m.broken && m.smallAllocated > 0 {
			ids = append(ids, uint32(i))
		}
	}
	return ids
}

// UsedSlots returns the small chunk pointers currently in use within
// broken large chunk id.
func (c *Allocator) UsedSlots(id uint32) []arena.ChunkPtr {
	m := &c.meta[id]
	var out []arena.ChunkPtr
	for idx, used := range m.smallUsed {
		if used {
			out = append(out, arena.SmallPtr(id, uint32(idx)))
		}
	}
	return out
}

// MarkCoalescePending flags a still-used small chunk as pending migration
// (spec.md §4.5 step 3); it must not be considered free while pending.
func (c *Allocator) MarkCoalescePending(ptr arena.ChunkPtr, pending bool) {
	c.meta[ptr.LargeID()].smallCoalescePending[ptr.SmallIndex()] = pending
}

// LargeBytes returns the raw backing bytes for a whole large chunk.
func (c *Allocator) LargeBytes(id uint32) []byte { return c.a.LargeBytes(id) }

// SmallBytes returns the raw backing bytes for one small chunk.
func (c *Allocator) SmallBytes(ptr arena.ChunkPtr) []byte {
	return c.a.SmallBytes(ptr.LargeID(), ptr.SmallIndex())
}

// Arena exposes the backing arena for capacity reporting (e.g. stats).
func (c *Allocator) Arena() *arena.Arena { return c.a }
