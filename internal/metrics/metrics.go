// Package metrics exports cache.Snapshot as Prometheus gauges (spec.md
// EXPANSION domain-stack wiring: github.com/prometheus/client_golang),
// the one external collaborator spec.md §4.9 calls out for prefix/aggregate
// stats beyond the counters the cache engine itself tracks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skipor/memcached/cache"
)

// Collector adapts a cache.Handler's StatsSnapshot into a prometheus.Collector,
// collected on each scrape rather than pushed, so it always reflects the
// cache's state at request time.
type Collector struct {
	cache interface{ StatsSnapshot() cache.Snapshot }

	currItems        *prometheus.Desc
	totalItems       *prometheus.Desc
	evictions        *prometheus.Desc
	expiredUnfetched *prometheus.Desc
	bytes            *prometheus.Desc
	getHits          *prometheus.Desc
	getMisses        *prometheus.Desc
	cmdSet           *prometheus.Desc
	cmdDelete        *prometheus.Desc
	deleteHits       *prometheus.Desc
	deleteMisses     *prometheus.Desc
	incr             *prometheus.Desc
	decr             *prometheus.Desc
	oom              *prometheus.Desc
}

// NewCollector builds a Collector over c. c must also implement
// StatsSnapshot() cache.Snapshot, which *cache.Cache does.
func NewCollector(c interface{ StatsSnapshot() cache.Snapshot }) *Collector {
	const ns = "memcached"
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(ns+"_"+name, help, nil, nil)
	}
	return &Collector{
		cache:            c,
		currItems:        desc("curr_items", "Items currently stored."),
		totalItems:       desc("total_items", "Items stored since start."),
		evictions:        desc("evictions_total", "Items evicted to free space."),
		expiredUnfetched: desc("expired_unfetched_total", "Items reaped expired before being fetched."),
		bytes:            desc("bytes", "Bytes of item storage in use."),
		getHits:          desc("get_hits_total", "Successful get lookups."),
		getMisses:        desc("get_misses_total", "Unsuccessful get lookups."),
		cmdSet:           desc("cmd_set_total", "set commands processed."),
		cmdDelete:        desc("cmd_delete_total", "delete commands processed."),
		deleteHits:       desc("delete_hits_total", "delete commands that found a key."),
		deleteMisses:     desc("delete_misses_total", "delete commands that found no key."),
		incr:             desc("incr_total", "incr commands processed."),
		decr:             desc("decr_total", "decr commands processed."),
		oom:              desc("oom_total", "Allocation failures with no eviction recourse."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currItems
	ch <- c.totalItems
	ch <- c.evictions
	ch <- c.expiredUnfetched
	ch <- c.bytes
	ch <- c.getHits
	ch <- c.getMisses
	ch <- c.cmdSet
	ch <- c.cmdDelete
	ch <- c.deleteHits
	ch <- c.deleteMisses
	ch <- c.incr
	ch <- c.decr
	ch <- c.oom
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.StatsSnapshot()
	g := func(d *prometheus.Desc, v int64) prometheus.Metric {
		return prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	ch <- g(c.currItems, s.CurrItems)
	ch <- g(c.totalItems, s.TotalItems)
	ch <- g(c.evictions, s.Evictions)
	ch <- g(c.expiredUnfetched, s.ExpiredUnfetched)
	ch <- g(c.bytes, s.Bytes)
	ch <- g(c.getHits, s.GetHits)
	ch <- g(c.getMisses, s.GetMisses)
	ch <- g(c.cmdSet, s.CmdSet)
	ch <- g(c.cmdDelete, s.CmdDelete)
	ch <- g(c.deleteHits, s.DeleteHits)
	ch <- g(c.deleteMisses, s.DeleteMisses)
	ch <- g(c.incr, s.Incr)
	ch <- g(c.decr, s.Decr)
	ch <- g(c.oom, s.OOM)
}

// Serve registers c's collector on a fresh registry and serves it at addr
// until the process exits; errors are returned to the caller to log, not
// panicked on, since a metrics endpoint failing to bind should not take the
// cache down with it.
func Serve(addr string, c interface{ StatsSnapshot() cache.Snapshot }) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(c))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
