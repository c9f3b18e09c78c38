package cache

import (
	"github.com/skipor/memcached/arena"
	"github.com/skipor/memcached/internal/tag"
)

// lru is a doubly linked intrusive list of items, ordered by non-decreasing
// last-access time (spec.md invariant I5: head is newest, tail is oldest).
// Two instances of lru exist in a Cache: one for small items, one for
// large items (spec.md §3 "Item" / §4.3).
//
// Pre and post conditions (invariants) for pushFront/detach/touch:
//   - lru owns nodes between fakeHead and fakeTail.
//   - {fakeHead, all owned nodes, fakeTail} are a correct doubly linked list.
//   - every node owned by lru has node.owner equal to &lru.
//   - there is no recycled data left in a detached node.
type lru struct {
	size int64 // sum of owned nodes' size(), spec.md bookkeeping only

	// Fake nodes. Real nodes are between them.
	// nil <- fakeHead <-> node_0 <-> ... <-> node_(n-1) <-> fakeTail -> nil
	// This structure prevents nil checks elsewhere in the list code.

	// fakeHead is the newest end: fakeHead.next is the most recently
	// touched item.
	fakeHead *node
	// fakeTail is the oldest end: fakeTail.prev is the next eviction
	// candidate.
	fakeTail *node
}

func (l *lru) init() {
	l.fakeHead, l.fakeTail = &node{}, &node{}
	link(l.fakeHead, l.fakeTail)
}

func (l *lru) head() *node         { return l.fakeHead.next }
func (l *lru) tail() *node         { return l.fakeTail.prev }
func (l *lru) atHead(n *node) bool { return n == l.fakeHead }
func (l *lru) atTail(n *node) bool { return n == l.fakeTail }
func (l *lru) empty() bool         { return l.head() == l.fakeTail }

// pushFront links n in as the newest item (spec.md item_link: "prepended to
// the appropriate LRU head").
func (l *lru) pushFront(n *node) {
	n.owner = l
	l.size += n.size()
	l.relink(n)
}

// relink splices n in immediately after fakeHead. n must not currently be
// linked into any list.
func (l *lru) relink(n *node) {
	old := l.fakeHead.next
	link(l.fakeHead, n)
	link(n, old)
}

// detach unlinks n from whichever list it is in. n.owner is left untouched
// so callers can still answer "did this item belong to the small or large
// LRU" after detaching.
func (l *lru) detach(n *node) {
	l.size -= n.size()
	link(n.prev, n.next)
	if tag.Debug {
		n.prev = nil
		n.next = nil
	}
}

// touch moves n to the head if it has not been touched within
// updateInterval, matching spec.md §4.3 item_update's throttling ("This
// throttling prevents LRU churn under hot-key loads").
func (l *lru) touch(n *node, now int64) {
	if now-n.atime < updateInterval {
		return
	}
	n.atime = now
	if l.atHead(n.prev) {
		return
	}
	link(n.prev, n.next)
	l.relink(n)
}

// node is one entry in an lru list. It is also the unit the hash index
// stores (via hnext) and the unit a handle refers to (item.go).
type node struct {
	Item

	owner *lru
	prev  *node
	next  *node

	// hash chain, spec.md §4.4.
	hnext *node

	refcount int32
	flags    itemFlags
	atime    int64 // rel_time_t of last access/update
	exptime  int64 // rel_time_t, 0 = never expires

	small  bool // which LRU flavor this item belongs to
	chunks []arena.ChunkPtr
}

type itemFlags uint8

const (
	itemValid itemFlags = 1 << iota
	itemLinked
	itemDeleted
	itemHasTimestamp
	itemHasIP
)

// updateInterval throttles LRU head-reinsertion (spec.md §4.3 default 60s).
const updateInterval = 60

// extraSizePerNode approximates per-item overhead: the node struct itself,
// its hash-bucket cell, and its chunk-accounting slice.
const extraSizePerNode = 96

func (n *node) size() int64 { return int64(extraSizePerNode + len(n.Key) + n.Bytes) }

func (n *node) expired(now int64) bool {
	return n.exptime != 0 && n.exptime <= now
}

func link(a, b *node) { a.next, b.prev = b, a }
