package recycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(WithBufferSize(4096))
	b, err := p.Alloc(4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), p.Resident())

	data := b.Slice(10)
	copy(data.Bytes(), []byte("0123456789"))
	assert.Equal(t, []byte("0123456789"), data.Bytes())

	p.Free(b, 10)
	assert.Equal(t, int64(4096), p.Resident(), "freed buffer stays resident until reclaimed")
}

func TestAllocReusesFreedBuffer(t *testing.T) {
	p := NewPool(WithBufferSize(4096))
	b1, err := p.Alloc(4096)
	require.NoError(t, err)
	p.Free(b1, 100)

	b2, err := p.Alloc(4096)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestAllocReturnsErrorWhenExhausted(t *testing.T) {
	p := NewPool(WithBufferSize(4096), WithThresholds(4096, 0))
	_, err := p.Alloc(4096)
	require.NoError(t, err)

	_, err = p.Alloc(4096)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestFreeDestroysBufferAboveRSizeLimit(t *testing.T) {
	p := NewPool(WithBufferSize(4096), WithBufferRSizeLimit(1024))
	b, err := p.Alloc(4096)
	require.NoError(t, err)

	p.Free(b, 2048)
	assert.Equal(t, int64(0), p.Resident(), "buffer whose peak usage exceeded the limit is unmapped, not recycled")
}

func TestCorruptionDetectionPoisonsDestroyedRegion(t *testing.T) {
	p := NewPool(WithBufferSize(4096), WithBufferRSizeLimit(1024), WithCorruptionDetection(true))
	b, err := p.Alloc(4096)
	require.NoError(t, err)
	region := b.Bytes()

	p.Free(b, 2048)
	for _, by := range region {
		assert.Equal(t, byte(0xDE), by)
	}
}
