package memcached

import (
	"io"

	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/log"
	"github.com/skipor/memcached/recycle"
)

// NewConnMeta checks that pool's buffers are at least MaxCommandLength
// bytes (it panics otherwise) and bundles the dependencies every accepted
// connection needs.
func NewConnMeta(c cache.Handler, pool *recycle.Pool, maxItemSize int) *ConnMeta {
	if pool.MaxChunkSize() < MaxCommandLength {
		panic("recycle: max chunk size should not be less than input buffer")
	}
	return &ConnMeta{Cache: c, Pool: pool, MaxItemSize: maxItemSize}
}

// Serve drives one accepted connection's ASCII request/response loop until
// the peer disconnects or a hard error occurs (spec.md §3: "A connection is
// created on accept ... and is closed when the peer disconnects").
func Serve(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) {
	newConn(l, m, rwc).serve()
}
