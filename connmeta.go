package memcached

import (
	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/recycle"
)

// ConnMeta bundles the dependencies shared by every accepted connection on
// one listener: the cache engine requests are dispatched to, the
// connection-buffer pool reads are staged through, and the per-item size
// ceiling enforced before a data block is even read.
type ConnMeta struct {
	Cache       cache.Handler
	Pool        *recycle.Pool
	MaxItemSize int
}

// causer is satisfied by both github.com/facebookgo/stackerr's wrapped
// errors and github.com/pkg/errors's, so unwrap works regardless of which
// one produced err (spec.md EXPANSION: stackerr at I/O boundaries, pkg/
// errors for internal invariant annotation).
type causer interface {
	Cause() error
}

// unwrap strips wrapping added for a stack trace, leaving the message a
// client should actually see.
func unwrap(err error) error {
	for {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		next := c.Cause()
		if next == nil {
			return err
		}
		err = next
	}
}
