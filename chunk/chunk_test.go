package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipor/memcached/arena"
)

func newTestAllocator(t *testing.T, largeChunks int) *Allocator {
	t.Helper()
	a, err := arena.New(int64(largeChunks)*arena.LargeSize, arena.WithIncrement(uint32(largeChunks)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	c := New(a)
	require.True(t, c.Grow())
	return c
}

func TestPopPushLarge(t *testing.T) {
	c := newTestAllocator(t, 2)
	assert.Equal(t, 2, c.LargeFreeCount())

	id, ok := c.PopLarge()
	require.True(t, ok)
	assert.Equal(t, 1, c.LargeFreeCount())

	c.PushLarge(id)
	assert.Equal(t, 2, c.LargeFreeCount())
}

func TestBreakLargeAndPopSmall(t *testing.T) {
	c := newTestAllocator(t, 1)
	id, ok := c.PopLarge()
	require.True(t, ok)

	c.BreakLarge(id)
	assert.True(t, c.IsBroken(id))
	assert.Equal(t, arena.SmallChunksPerLarge, c.SmallFreeCount())

	var popped []arena.ChunkPtr
	for i := 0; i < arena.SmallChunksPerLarge; i++ {
		ptr, ok := c.PopSmall()
		require.True(t, ok)
		popped = append(popped, ptr)
	}
	assert.Equal(t, arena.SmallChunksPerLarge, c.SmallAllocated(id))

	_, ok = c.PopSmall()
	assert.False(t, ok)

	for _, ptr := range popped {
		c.PushSmall(ptr, false)
	}
	assert.Equal(t, 0, c.SmallAllocated(id))
}

func TestPushSmallMergeUnbreaksWhenEmpty(t *testing.T) {
	c := newTestAllocator(t, 1)
	id, _ := c.PopLarge()
	c.BreakLarge(id)

	var popped []arena.ChunkPtr
	for i := 0; i < arena.SmallChunksPerLarge; i++ {
		p, ok := c.PopSmall()
		require.True(t, ok)
		popped = append(popped, p)
	}
	c.PushSmall(popped[0], true)
	assert.True(t, c.IsBroken(id), "still broken while other slots remain allocated")

	for _, p := range popped[1:] {
		c.PushSmall(p, true)
	}
	assert.False(t, c.IsBroken(id), "parent unbroken once every slot is free")
	assert.Equal(t, 1, c.LargeFreeCount())
}

func TestUnbreakRefusesWhileSlotsInUse(t *testing.T) {
	c := newTestAllocator(t, 1)
	id, _ := c.PopLarge()
	c.BreakLarge(id)
	c.PopSmall()

	ok := c.Unbreak(id, false)
	assert.False(t, ok)
	ok = c.Unbreak(id, true)
	assert.True(t, ok)
	assert.False(t, c.IsBroken(id))
}

func TestFindBrokenParentAndUsedSlots(t *testing.T) {
	c := newTestAllocator(t, 1)
	id, _ := c.PopLarge()
	c.BreakLarge(id)

	_, ok := c.FindBrokenParent()
	assert.False(t, ok, "no slots allocated yet")

	ptr, _ := c.PopSmall()
	found, ok := c.FindBrokenParent()
	require.True(t, ok)
	assert.Equal(t, id, found)
	assert.Equal(t, []arena.ChunkPtr{ptr}, c.UsedSlots(id))
}

func TestGrowReturnsFalseWhenExhausted(t *testing.T) {
	c := newTestAllocator(t, 1)
	assert.False(t, c.Grow())
}
