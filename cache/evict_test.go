package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipor/memcached/arena"
)

// TestFindUnreferencedBrokenParentSkipsPinnedDescendants exercises spec.md
// §4.5 step 2 directly: coalescing must not pick a broken parent while one
// of its small chunks backs a live, referenced item (e.g. a reply still
// streaming via itemReader.WriteTo).
func TestFindUnreferencedBrokenParentSkipsPinnedDescendants(t *testing.T) {
	c := newTestCache(t, 2*4096, arena.WithIncrement(1))

	c.Set(Item{ItemMeta: ItemMeta{Key: []byte("a"), Bytes: 1}, Data: []byte("1")})
	c.Set(Item{ItemMeta: ItemMeta{Key: []byte("b"), Bytes: 1}, Data: []byte("2")})

	parents := c.chunks.BrokenParentIDs()
	require.Len(t, parents, 1)
	require.True(t, c.parentUnreferenced(parents[0]))

	// Pin "a" the way item_get does: bump its refcount without releasing it,
	// as a mid-reply itemReader would hold it.
	pinned, locked := c.get([]byte("a"))
	require.NotNil(t, pinned)
	require.False(t, locked)

	_, stillOK := c.findUnreferencedBrokenParent()
	assert.False(t, stillOK, "coalescing must not select a parent with a pinned descendant")

	c.derefLocked(pinned)

	_, nowOK := c.findUnreferencedBrokenParent()
	assert.True(t, nowOK, "parent becomes eligible once its last reference is released")
}
