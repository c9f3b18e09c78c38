package cache

import (
	"io"

	"github.com/skipor/memcached/arena"
)

// ItemMeta carries everything about a stored value except its bytes.
type ItemMeta struct {
	Key     []byte
	Flags   uint32
	Exptime int64 // caller-supplied; >REALTIME_MAXDELTA means absolute Unix time
	Bytes   int
}

// Item is a complete key/value pair as accepted by Cache.Set.
type Item struct {
	ItemMeta
	Data []byte
}

// ItemReader streams an item's value directly from its storage chunks
// (spec.md §4.7 "Replies are assembled as iovec chains referencing item
// storage directly (no copy)"); Close releases the item's refcount.
type ItemReader interface {
	io.WriterTo
	io.Closer
}

// ItemView is what Cache.Get hands back: enough to write a reply plus a
// ref-counted handle on the underlying item.
type ItemView struct {
	Key    string
	Flags  uint32
	Bytes  int
	Reader ItemReader
}

// itemReader is the concrete ItemReader: it holds a live reference
// (refcount already bumped by item_get) and releases it exactly once.
type itemReader struct {
	c      *Cache
	n      *node
	closed bool
}

// WriteTo walks the item's chunk chain directly, writing each chunk's
// value-bearing span straight from arena-backed memory (spec.md §4.7
// "Replies are assembled as iovec chains referencing item storage
// directly (no copy)"). It never assembles an intermediate []byte.
func (r *itemReader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, span := range r.c.valueSpans(r.n) {
		nw, err := w.Write(span)
		total += int64(nw)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *itemReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.c.deref(r.n)
	return nil
}

// chunksNeeded mirrors flat_storage.c's chunk-count math: one title chunk
// holding up to the flavor's title capacity, then as many body chunks as
// needed for the remainder.
func chunksNeeded(nkey, nbytes int, small bool) int {
	total := nkey + nbytes
	titleCap, bodyCap := LargeTitleData, LargeBodyData
	if small {
		titleCap, bodyCap = SmallTitleData, SmallBodyData
	}
	if total <= titleCap {
		return 1
	}
	rem := total - titleCap
	return 1 + (rem+bodyCap-1)/bodyCap
}

// Title/body data capacities. Exact per-chunk header layout is not
// prescribed precisely enough by spec.md to repack by hand in Go (see
// DESIGN.md); metadata instead lives in the node struct and these
// constants only reserve a plausible header-sized slice of each title
// chunk, as flat_storage.h's TITLE_CHUNK_HEADER_CONTENTS does in C.
const (
	smallTitleOverhead = 16
	largeTitleOverhead = 32

	SmallTitleData = arena.SmallSize - smallTitleOverhead
	SmallBodyData  = arena.SmallSize
	LargeTitleData = arena.LargeSize - largeTitleOverhead
	LargeBodyData  = arena.LargeSize
)

// isLarge implements spec.md §3's large-vs-small item classification.
func isLarge(nkey, nbytes int) bool {
	if nkey > SmallTitleData {
		return true
	}
	maxSmallCapacity := SmallTitleData + (arena.SmallChunksPerLarge-2)*SmallBodyData
	return nkey+nbytes > maxSmallCapacity
}

// titleBodyCaps returns the usable-byte capacities of a title chunk and a
// body chunk for the given item flavor.
func titleBodyCaps(small bool) (titleCap, bodyCap int) {
	if small {
		return SmallTitleData, SmallBodyData
	}
	return LargeTitleData, LargeBodyData
}

// chunkBytes returns the raw backing window for one of an item's chunks.
func (c *Cache) chunkBytes(ptr arena.ChunkPtr, small bool) []byte {
	if small {
		return c.chunks.SmallBytes(ptr)
	}
	return c.chunks.LargeBytes(ptr.LargeID())
}

// chunkCapacity is the total key+value bytes n's current chunk chain can
// hold without growing it, used by IncrDecr's in-place-or-reallocate
// decision (spec.md §4.7.1 add_delta).
func (c *Cache) chunkCapacity(n *node) int {
	if len(n.chunks) == 0 {
		return 0
	}
	titleCap, bodyCap := titleBodyCaps(n.small)
	return titleCap + (len(n.chunks)-1)*bodyCap
}

// writeItemBytes copies n.Key followed by value into n's chunk chain, one
// capacity-bounded span per chunk (title chunk first, then body chunks) —
// the Go analogue of flat_storage.c writing a title+body row directly into
// arena-backed memory. Caller must have already sized n.chunks to hold
// len(n.Key)+len(value) via chunksNeeded.
func (c *Cache) writeItemBytes(n *node, value []byte) {
	titleCap, bodyCap := titleBodyCaps(n.small)
	pos := 0
	for i, ptr := range n.chunks {
		cap := bodyCap
		if i == 0 {
			cap = titleCap
		}
		dst := c.chunkBytes(ptr, n.small)
		if len(dst) > cap {
			dst = dst[:cap]
		}
		pos += copySpan(dst, n.Key, value, pos)
	}
}

// copySpan fills dst (one chunk's capacity-bounded window) with whatever
// portion of the logical key+value stream starts at byte offset pos,
// returning how many bytes it wrote.
func copySpan(dst, key, value []byte, pos int) int {
	written := 0
	if pos < len(key) {
		n := copy(dst, key[pos:])
		written += n
		dst = dst[n:]
		pos += n
	}
	if len(dst) > 0 {
		voff := pos - len(key)
		if voff < len(value) {
			written += copy(dst, value[voff:])
		}
	}
	return written
}

// valueSpans returns n's value bytes as a sequence of slices directly
// referencing its chunk chain, skipping the key bytes embedded in the
// title chunk and stopping once n.Bytes have been accounted for. The
// returned slices alias arena memory; callers must not retain them past
// the life of the item's refcount.
func (c *Cache) valueSpans(n *node) [][]byte {
	titleCap, bodyCap := titleBodyCaps(n.small)
	nkey := len(n.Key)
	pos := 0
	remaining := n.Bytes
	var spans [][]byte
	for i, ptr := range n.chunks {
		if remaining <= 0 {
			break
		}
		cap := bodyCap
		if i == 0 {
			cap = titleCap
		}
		buf := c.chunkBytes(ptr, n.small)
		if len(buf) > cap {
			buf = buf[:cap]
		}
		skip := 0
		if pos < nkey {
			skip = nkey - pos
			if skip > len(buf) {
				skip = len(buf)
			}
			buf = buf[skip:]
			pos += skip
		}
		if len(buf) > remaining {
			buf = buf[:remaining]
		}
		if len(buf) > 0 {
			spans = append(spans, buf)
			remaining -= len(buf)
			pos += len(buf)
		}
	}
	return spans
}

// valueBytes materializes n's value as one contiguous copy, for the few
// call sites (Append's merge, IncrDecr's ASCII parse) that need to treat
// the value as a single []byte rather than stream it.
func (c *Cache) valueBytes(n *node) []byte {
	out := make([]byte, 0, n.Bytes)
	for _, span := range c.valueSpans(n) {
		out = append(out, span...)
	}
	return out
}
