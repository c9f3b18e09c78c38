// Package cache implements the flat storage engine (spec.md components
// C3 item manager, C4 hash index, C5 eviction policy, C9 stats/expiration)
// on top of package arena (C1) and package chunk (C2).
//
// Every exported method takes cache_lock internally (spec.md §4.8: "All
// item_* mutators acquire it"); callers never need their own lock around a
// single call, only around multi-call sequences that must appear atomic.
package cache

import (
	"sync"
	"time"

	"github.com/skipor/memcached/arena"
	"github.com/skipor/memcached/chunk"
)

// Handler is the vocabulary the protocol engines (ASCII and binary) drive.
// Implementations must not retain key slices past the call (binprot and
// the ASCII conn reuse their read buffers).
type Handler interface {
	Set(i Item)
	Add(i Item) (stored bool)
	Replace(i Item) (stored bool)
	Append(i Item) (stored bool)
	Get(key ...[]byte) (views []ItemView)
	Delete(key []byte, deferWindow int64) (deleted, locked bool)
	IncrDecr(key []byte, delta uint64, incr bool) (newValue uint64, found, clientErr bool)
	FlushAll(exptime int64)
	ExpireRegexCount(pattern string) (int, error)
}

// deferredDelete is one entry of spec.md §4.9's deferred-delete queue.
type deferredDelete struct {
	n      *node
	expiry int64
}

// Cache is the whole flat-storage engine: two LRUs, a hash index, a shared
// chunk allocator, and the bookkeeping spec.md §4.8/§4.9 describe.
type Cache struct {
	mu sync.Mutex // cache_lock, spec.md §4.8

	chunks *chunk.Allocator
	index  *hashIndex
	small  lru
	large  lru

	// chunkOwner maps every chunk currently backing an item to that item,
	// so coalescing (evict.go) can find and rewrite an item's chunk refs
	// without scanning the whole index.
	chunkOwner map[arena.ChunkPtr]*node

	deferred []deferredDelete

	evictToFree bool
	now         int64 // rel_time_t, spec.md §4.9 current_time
	oldestLive  int64 // spec.md §4.9 oldest_live
	epoch       time.Time

	stats Stats
}

// New builds a Cache backed by a freshly created arena of maxBytes. Extra
// arena.Options are forwarded to arena.New; production callers should leave
// them unset, but tests use arena.WithIncrement to exercise small arenas.
func New(maxBytes int64, evictToFree bool, opts ...arena.Option) (*Cache, error) {
	a, err := arena.New(maxBytes, opts...)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		chunks:      chunk.New(a),
		index:       newHashIndex(),
		chunkOwner:  make(map[arena.ChunkPtr]*node),
		evictToFree: evictToFree,
		epoch:       time.Now(),
	}
	c.small.init()
	c.large.init()
	return c, nil
}

func (c *Cache) lruFor(small bool) *lru {
	if small {
		return &c.small
	}
	return &c.large
}

// Tick advances current_time, drains elapsed deferred deletes, and steps
// the hash index's background resize — the "periodic hygiene" spec.md
// §2/§4.9 describes running under the same locks as requests. Callers wire
// this to the event loop's timer tick (spec.md §1's abstract network event
// loop collaborator).
func (c *Cache) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = int64(time.Since(c.epoch) / time.Second)
	c.index.Tick()
	c.drainDeferredLocked()
}

func (c *Cache) drainDeferredLocked() {
	kept := c.deferred[:0]
	for _, d := range c.deferred {
		if d.expiry <= c.now {
			c.unlinkLocked(d.n, reasonNormal)
			continue
		}
		kept = append(kept, d)
	}
	c.deferred = kept
}

// ---- item_alloc (spec.md §4.3) ----

var (
	// ErrSizeInvalid is returned for nkey > 255 or nbytes > 1 MiB.
	ErrSizeInvalid = cacheError("item size invalid")
	// ErrOutOfMemory is returned when every eviction avenue fails to make
	// forward progress.
	ErrOutOfMemory = cacheError("out of memory")
)

type cacheError string

func (e cacheError) Error() string { return string(e) }

const (
	maxKeyLen   = 255
	maxValueLen = 1 << 20
)

// allocLocked implements item_alloc's four-avenue strategy ladder
// (spec.md §4.3). Caller must hold c.mu.
func (c *Cache) allocLocked(meta ItemMeta, data []byte) (*node, error) {
	if len(meta.Key) > maxKeyLen || meta.Bytes > maxValueLen {
		return nil, ErrSizeInvalid
	}
	meta.Key = append([]byte(nil), meta.Key...)
	small := !isLarge(len(meta.Key), meta.Bytes)
	needed := chunksNeeded(len(meta.Key), meta.Bytes, small)

	var ok bool
	if small {
		ok = c.satisfySmall(needed)
	} else {
		ok = c.satisfyLarge(needed)
	}
	if !ok {
		c.stats.incr(&c.stats.OOM, 1)
		return nil, ErrOutOfMemory
	}

	chunks := make([]arena.ChunkPtr, 0, needed)
	for i := 0; i < needed; i++ {
		var ptr arena.ChunkPtr
		if small {
			ptr, _ = c.chunks.PopSmall()
		} else {
			id, _ := c.chunks.PopLarge()
			ptr = arena.LargePtr(id)
		}
		chunks = append(chunks, ptr)
	}

	n := &node{
		Item:     Item{ItemMeta: meta},
		refcount: 1,
		flags:    itemValid,
		atime:    c.now,
		exptime:  c.normalizeExptime(meta.Exptime),
		small:    small,
		chunks:   chunks,
	}
	for _, ptr := range chunks {
		c.chunkOwner[ptr] = n
	}
	c.writeItemBytes(n, data)
	return n, nil
}

func (c *Cache) normalizeExptime(exptime int64) int64 {
	const realtimeMaxDelta = 60 * 60 * 24 * 30
	if exptime == 0 {
		return 0
	}
	if exptime > realtimeMaxDelta {
		return exptime - int64(c.epoch.Unix())
	}
	return c.now + exptime
}

func (c *Cache) satisfyLarge(n int) bool {
	if c.chunks.LargeFreeCount() >= n {
		return true
	}
	if c.chunks.Grow() && c.chunks.LargeFreeCount() >= n {
		return true
	}
	if c.chunks.SmallFreeCount() >= arena.SmallChunksPerLarge {
		if c.coalesceFreeSmallChunks(c.now) != coalesceNoProgress && c.chunks.LargeFreeCount() >= n {
			return true
		}
	}
	if !c.evictToFree {
		return c.chunks.LargeFreeCount() >= n
	}
	return c.evictForLarge(n)
}

func (c *Cache) satisfySmall(n int) bool {
	if c.chunks.SmallFreeCount() >= n {
		return true
	}
	if id, ok := c.chunks.PopLarge(); ok {
		c.chunks.BreakLarge(id)
		if c.chunks.SmallFreeCount() >= n {
			return true
		}
	}
	if c.chunks.Grow() {
		if id, ok := c.chunks.PopLarge(); ok {
			c.chunks.BreakLarge(id)
		}
		if c.chunks.SmallFreeCount() >= n {
			return true
		}
	}
	if !c.evictToFree {
		return c.chunks.SmallFreeCount() >= n
	}
	return c.evictForSmall(n)
}

// ---- link/unlink/deref/update (spec.md §4.3) ----

func (c *Cache) link(n *node) {
	n.flags |= itemLinked
	n.atime = c.now
	c.index.insert(n)
	c.lruFor(n.small).pushFront(n)
	c.stats.onLink(n.size())
}

func (c *Cache) unlinkLocked(n *node, reason unlinkReason) {
	if n.flags&itemLinked == 0 {
		return
	}
	n.flags &^= itemLinked
	if reason == reasonNormal && n.exptime != 0 && n.exptime <= c.now {
		reason = reasonExpired
	}
	c.index.delete(n)
	c.lruFor(n.small).detach(n)
	c.stats.onUnlink(n.size(), reason)
	if n.refcount == 0 {
		c.free(n)
	}
}

func (c *Cache) free(n *node) {
	for _, ptr := range n.chunks {
		delete(c.chunkOwner, ptr)
		if n.small {
			c.chunks.PushSmall(ptr, true)
		} else {
			c.chunks.PushLarge(ptr.LargeID())
		}
	}
	n.chunks = nil
}

func (c *Cache) deref(n *node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.refcount--
	if n.refcount == 0 && n.flags&itemLinked == 0 {
		c.free(n)
	}
}

// get looks up key, lazily expiring it if stale (spec.md §4.3 item_get).
// It returns nil, false on a clean miss and nil, true when the key exists
// but is delete-locked.
func (c *Cache) get(key []byte) (n *node, deleteLocked bool) {
	n = c.index.find(key)
	if n == nil {
		return nil, false
	}
	if (c.oldestLive >= c.now && n.atime <= c.oldestLive) || n.expired(c.now) {
		c.unlinkLocked(n, reasonExpired)
		return nil, false
	}
	if n.flags&itemDeleted != 0 {
		if n.exptime > c.now {
			return nil, true
		}
		c.unlinkLocked(n, reasonNormal)
		return nil, false
	}
	n.refcount++
	c.lruFor(n.small).touch(n, c.now)
	return n, false
}
