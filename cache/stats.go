package cache

import "sync/atomic"

// Stats mirrors spec.md §4.9/§8's counters. Each field is updated with
// atomics so readers (the binary STATS command, the Prometheus exporter in
// internal/metrics) never need to take cache_lock just to read a snapshot.
type Stats struct {
	CurrItems        int64
	TotalItems       int64
	Evictions        int64
	ExpiredUnfetched int64
	Bytes            int64
	GetHits          int64
	GetMisses        int64
	CmdSet           int64
	CmdDelete        int64
	DeleteHits       int64
	DeleteMisses     int64
	Incr             int64
	Decr             int64
	OOM              int64
}

func (s *Stats) incr(p *int64, d int64) { atomic.AddInt64(p, d) }

func (s *Stats) onLink(size int64) {
	s.incr(&s.CurrItems, 1)
	s.incr(&s.TotalItems, 1)
	s.incr(&s.Bytes, size)
}

func (s *Stats) onUnlink(size int64, reason unlinkReason) {
	s.incr(&s.CurrItems, -1)
	s.incr(&s.Bytes, -size)
	switch reason {
	case reasonEvict:
		s.incr(&s.Evictions, 1)
	case reasonExpired:
		s.incr(&s.ExpiredUnfetched, 1)
	}
}

// unlinkReason classifies why item_unlink is being called, after spec.md
// §4.3 unlink's `reason ∈ {normal, maybe_evict, is_evict, is_expired}`.
// There is no maybe_evict value: the eviction paths (evict.go) pass
// reasonEvict, and unlinkLocked (cache.go) turns a reasonNormal unlink of an
// item whose exptime has passed into reasonExpired.
type unlinkReason int

const (
	reasonNormal unlinkReason = iota
	reasonEvict
	reasonExpired
)

// Snapshot is a point-in-time copy safe to hand to callers (e.g. the
// binary STATS command's string reply, spec.md §4.7.1).
type Snapshot struct {
	Stats
}

func (c *Cache) StatsSnapshot() Snapshot {
	return Snapshot{Stats{
		CurrItems:        atomic.LoadInt64(&c.stats.CurrItems),
		TotalItems:       atomic.LoadInt64(&c.stats.TotalItems),
		Evictions:        atomic.LoadInt64(&c.stats.Evictions),
		ExpiredUnfetched: atomic.LoadInt64(&c.stats.ExpiredUnfetched),
		Bytes:            atomic.LoadInt64(&c.stats.Bytes),
		GetHits:          atomic.LoadInt64(&c.stats.GetHits),
		GetMisses:        atomic.LoadInt64(&c.stats.GetMisses),
		CmdSet:           atomic.LoadInt64(&c.stats.CmdSet),
		CmdDelete:        atomic.LoadInt64(&c.stats.CmdDelete),
		DeleteHits:       atomic.LoadInt64(&c.stats.DeleteHits),
		DeleteMisses:     atomic.LoadInt64(&c.stats.DeleteMisses),
		Incr:             atomic.LoadInt64(&c.stats.Incr),
		Decr:             atomic.LoadInt64(&c.stats.Decr),
		OOM:              atomic.LoadInt64(&c.stats.OOM),
	}}
}
