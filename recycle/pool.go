// Package recycle implements the connection-buffer pool (spec.md §4.6,
// component C6): a process-wide pool of large mmap'd buffers used by
// connections to frame reads and writes, ordered by peak usage so the
// working set concentrates in a few hot buffers.
//
// Buffers here are scratch I/O space, not item storage: permanent value
// storage lives in the flat-storage engine (package cache, backed by
// package arena/chunk). A connection borrows a Buffer to receive a request
// or stage a reply and returns it afterward.
package recycle

import (
	"container/heap"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const (
	// DefaultBufferSize is one pool buffer's size (spec.md default 16 MiB).
	DefaultBufferSize = 16 << 20
	// DefaultBufferRSizeLimit is the reported-usage threshold above which a
	// freed buffer is unmapped instead of recycled (spec.md default 128 KiB).
	DefaultBufferRSizeLimit = 128 << 10
)

// Data is a window into a pool Buffer handed to a caller for the duration
// of one read or write.
type Data struct {
	buf *Buffer
	b   []byte
}

// Bytes returns the underlying byte window.
func (d Data) Bytes() []byte { return d.b }

// Buffer is one large mmap'd block, prefixed conceptually (not physically)
// by a header tracking peak and currently-reported usage.
type Buffer struct {
	region mmap.MMap

	peak     int // maxRUsage, the heap key
	reported int
	heapIdx  int
	unmapped bool
}

// Bytes returns the full backing region.
func (b *Buffer) Bytes() []byte { return b.region }

// Slice carves out a Data window of the first n bytes of the buffer.
func (b *Buffer) Slice(n int) Data { return Data{buf: b, b: b.region[:n]} }

// ReportMaxRUsage records that the caller's working set within this buffer
// has grown to n bytes (spec.md §4.6 report_max_rusage); the recorded peak
// only ever grows.
func (b *Buffer) ReportMaxRUsage(n int) {
	b.reported = n
	if n > b.peak {
		b.peak = n
	}
}

// bufferHeap is a max-heap over free buffers keyed by peak usage
// (spec.md DESIGN NOTES: "standard binary max-heap ... comparison is on the
// max_rusage field alone").
type bufferHeap []*Buffer

func (h bufferHeap) Len() int            { return len(h) }
func (h bufferHeap) Less(i, j int) bool  { return h[i].peak > h[j].peak }
func (h bufferHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *bufferHeap) Push(x interface{}) { b := x.(*Buffer); b.heapIdx = len(*h); *h = append(*h, b) }
func (h *bufferHeap) Pop() interface{} {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return b
}

// ErrPoolExhausted is returned when the aggregate resident size is already
// at its cap and no free buffer is available (spec.md §5 backpressure:
// alloc_conn_buffer returning null).
var ErrPoolExhausted = errors.New("recycle: connection buffer pool exhausted")

// Pool is the process-wide connection-buffer pool.
type Pool struct {
	mu sync.Mutex

	bufSize             int
	rsizeLimit          int64
	totalRSizeTop       int64
	totalRSizeBottom    int64
	corruptionDetection bool

	free     bufferHeap
	resident int64 // aggregate bytes currently mapped (free + in-use)
}

// Option configures a Pool.
type Option func(*Pool)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option { return func(p *Pool) { p.bufSize = n } }

// WithThresholds overrides the reclamation hysteresis band.
func WithThresholds(top, bottom int64) Option {
	return func(p *Pool) { p.totalRSizeTop, p.totalRSizeBottom = top, bottom }
}

// WithBufferRSizeLimit overrides DefaultBufferRSizeLimit.
func WithBufferRSizeLimit(n int64) Option { return func(p *Pool) { p.rsizeLimit = n } }

// WithCorruptionDetection enables filling a destroyed buffer with 0xDE
// before it is unmapped (spec.md §4.6 corruption detection, without a
// PROT_NONE remap; see destroy).
func WithCorruptionDetection(enabled bool) Option {
	return func(p *Pool) { p.corruptionDetection = enabled }
}

// NewPool builds a Pool with no buffers mapped yet.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		bufSize:          DefaultBufferSize,
		rsizeLimit:       DefaultBufferRSizeLimit,
		totalRSizeTop:    1 << 30,
		totalRSizeBottom: 768 << 20,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// MaxChunkSize is the size of every buffer this pool hands out.
func (p *Pool) MaxChunkSize() int { return p.bufSize }

// Alloc returns a buffer, preferring the most-used free buffer on the heap;
// if none is free it mmaps a new one, unless doing so would push the
// aggregate resident size over the configured cap (spec.md §4.6
// alloc_buffer).
func (p *Pool) Alloc(hint int) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 {
		return heap.Pop(&p.free).(*Buffer), nil
	}
	if p.resident+int64(p.bufSize) > p.totalRSizeTop {
		return nil, ErrPoolExhausted
	}
	region, err := mmap.MapRegion(nil, p.bufSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "recycle: mmap buffer")
	}
	p.resident += int64(p.bufSize)
	return &Buffer{region: region}, nil
}

// Free returns b to the pool. If reportedMax (the caller's final
// ReportMaxRUsage) is at or above the buffer_rsize_limit the buffer is
// unmapped outright; otherwise it is re-inserted into the free heap
// (spec.md §4.6 free_buffer).
func (p *Pool) Free(b *Buffer, reportedMax int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.ReportMaxRUsage(reportedMax)
	if int64(b.peak) >= p.rsizeLimit {
		p.destroy(b)
		return
	}
	heap.Push(&p.free, b)
	p.reclaimLocked()
}

// destroy unmaps b. In corruption-detection mode the region is first
// poisoned with a recognizable byte pattern so a use-after-free that reads
// the (by then unmapped) slice in the same process before the kernel
// reclaims the pages is more likely to be noticed than silent garbage;
// edsrzf/mmap-go does not expose mprotect, so this is a best-effort
// approximation of spec.md's "remaps ... with PROT_NONE to trap
// use-after-free", not a hard page-fault trap.
func (p *Pool) destroy(b *Buffer) {
	if b.unmapped {
		return
	}
	p.resident -= int64(len(b.region))
	if p.corruptionDetection {
		for i := range b.region {
			b.region[i] = 0xDE
		}
	}
	_ = b.region.Unmap()
	b.unmapped = true
}

// reclaimLocked runs once resident usage exceeds totalRSizeTop and then
// destroys free buffers one at a time, lowest peak first, until resident
// usage drops back under totalRSizeBottom or no free buffer is left
// (spec.md §4.6 reclamation, threshold hysteresis).
func (p *Pool) reclaimLocked() {
	if p.resident <= p.totalRSizeTop {
		return
	}
	for p.resident > p.totalRSizeBottom && len(p.free) > 0 {
		// Evict the *least* used buffer. The max-heap keeps the most-used
		// buffer at its root, so the least-used one is found by a scan.
		worstIdx := 0
		for i, b := range p.free {
			if b.peak < p.free[worstIdx].peak {
				worstIdx = i
			}
		}
		b := p.free[worstIdx]
		p.free[worstIdx] = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		heap.Init(&p.free)
		p.destroy(b)
	}
}

// Resident is the current aggregate mapped size across free and in-use
// buffers.
func (p *Pool) Resident() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resident
}
