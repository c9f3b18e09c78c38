// Package arena implements the page arena (spec.md §4.1, component C1): a
// single contiguous mmap'd region that is carved into fixed-size large
// chunks and grown lazily so that resident memory tracks the working set
// rather than the configured cap.
package arena

import (
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// LargeSize is the fixed size of a large chunk ("L" in spec.md §3/§4.1).
const LargeSize = 1024

// SmallChunksPerLarge ("SCPL" in spec.md) is how many small chunks a broken
// large chunk is divided into. 1024/8 divides evenly, landing within the
// spec's "≈120 B, at least 2" band (128 B here) while matching the worked
// example in spec.md §8 ("Arena of 4 MiB, SCPL = 8").
const SmallChunksPerLarge = 8

// SmallSize is the size of one small chunk within a broken large chunk.
const SmallSize = LargeSize / SmallChunksPerLarge

// incrementChunks is the number of large chunks paged in by one Grow call
// (spec.md default: 2048 large chunks, i.e. 2 MiB worth of chunk slots).
const incrementChunks = 2048

// ChunkPtr is the dense 32-bit handle described in spec.md §3
// ("Chunk addressing"). 0 is reserved as null. A ChunkPtr addresses either a
// whole large chunk or one small chunk within a broken large chunk; which
// reading applies is determined by the large chunk's own state, never by
// the pointer value itself, because a given large chunk is never
// simultaneously whole and broken.
type ChunkPtr uint32

// Null is the reserved "no chunk" handle.
const Null ChunkPtr = 0

// LargeID returns the index of the large chunk that owns ptr.
func (p ChunkPtr) LargeID() uint32 { return (uint32(p) - 1) / SmallChunksPerLarge }

// SmallIndex returns which of the SmallChunksPerLarge slots ptr names, valid
// only when the owning large chunk is broken.
func (p ChunkPtr) SmallIndex() uint32 { return (uint32(p) - 1) % SmallChunksPerLarge }

// LargePtr returns the handle for large chunk id as a whole chunk.
func LargePtr(id uint32) ChunkPtr { return ChunkPtr(id*SmallChunksPerLarge + 1) }

// SmallPtr returns the handle for small slot idx (0..SmallChunksPerLarge-1)
// within large chunk id.
func SmallPtr(id, idx uint32) ChunkPtr { return ChunkPtr(id*SmallChunksPerLarge + idx + 1) }

// ErrOutOfAddressSpace is returned only when the initial mmap reservation
// itself fails (spec.md §4.1).
var ErrOutOfAddressSpace = errors.New("arena: out of address space")

// Arena owns the single contiguous mmap'd region backing every chunk.
// It never returns memory to the OS during normal operation; eviction
// reuses chunks (spec.md §4.1).
type Arena struct {
	region mmap.MMap

	// totalLarge is the number of LargeSize slots reserved in region.
	totalLarge uint32
	// initializedLarge is how many of those slots have been paged in
	// (spec.md's uninitialized_start, expressed in whole chunks).
	initializedLarge uint32

	increment uint32 // chunks paged in per Grow call
}

// Option configures an Arena at construction.
type Option func(*Arena)

// WithIncrement overrides the default 2048-large-chunk Grow granularity.
// Production callers should leave this at its default; it exists so tests
// can exercise Grow's full-increment-or-nothing contract against arenas
// much smaller than 2 MiB.
func WithIncrement(chunks uint32) Option {
	return func(a *Arena) { a.increment = chunks }
}

// New reserves totalBytes of address space and marks it entirely unused.
// totalBytes must be positive, and (spec.md §4.1 arena_init: "total must be
// a multiple of both L and the increment granularity") is rounded up to the
// nearest whole multiple of the Grow increment.
func New(totalBytes int64, opts ...Option) (*Arena, error) {
	if totalBytes <= 0 {
		return nil, errors.New("arena: totalBytes must be positive")
	}
	a := &Arena{increment: incrementChunks}
	for _, opt := range opts {
		opt(a)
	}
	large := uint32((totalBytes + LargeSize - 1) / LargeSize)
	totalLarge := ((large + a.increment - 1) / a.increment) * a.increment
	region, err := mmap.MapRegion(nil, int(totalLarge)*LargeSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(ErrOutOfAddressSpace, err.Error())
	}
	a.region, a.totalLarge = region, totalLarge
	return a, nil
}

// TotalBytes is the full reserved capacity.
func (a *Arena) TotalBytes() int64 { return int64(a.totalLarge) * LargeSize }

// UnusedBytes is how much of the reservation has not yet been paged in.
func (a *Arena) UnusedBytes() int64 {
	return int64(a.totalLarge-a.initializedLarge) * LargeSize
}

// InitializedLarge is how many large-chunk slots are currently initialized.
func (a *Arena) InitializedLarge() uint32 { return a.initializedLarge }

// Grow pages in the next full increment of large chunks and returns their
// ids. It returns ok=false without allocating anything if fewer than a full
// increment's worth of chunks remain unused (spec.md §4.1 arena_grow:
// "returns false if unused < delta").
func (a *Arena) Grow() (ids []uint32, ok bool) {
	remaining := a.totalLarge - a.initializedLarge
	if remaining < a.increment {
		return nil, false
	}
	n := a.increment
	start := a.initializedLarge
	a.initializedLarge += n
	ids = make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		ids[i] = start + i
	}
	return ids, true
}

// LargeBytes returns the raw LargeSize-byte window backing large chunk id.
// Callers (the chunk allocator) interpret these bytes as either a whole
// chunk header+data or SmallChunksPerLarge small-chunk slots.
func (a *Arena) LargeBytes(id uint32) []byte {
	off := int(id) * LargeSize
	return a.region[off : off+LargeSize]
}

// SmallBytes returns the SmallSize-byte window for slot idx within large
// chunk id.
func (a *Arena) SmallBytes(id, idx uint32) []byte {
	b := a.LargeBytes(id)
	off := int(idx) * SmallSize
	return b[off : off+SmallSize]
}

// Close releases the mmap'd region. The arena is unusable afterward.
func (a *Arena) Close() error {
	return a.region.Unmap()
}
