package binprot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocHeaderEncodesReplyHeader(t *testing.T) {
	p := NewHeaderPool(DefaultPageSize)
	req := Header{Magic: ReqMagic, Cmd: CmdGet, KeyLen: 3, Opaque: 9, BodyLength: 3}

	h, b := p.AllocHeader(req, StatusFound, 15)
	require.Len(t, b, HeaderSize)
	assert.Equal(t, h, Decode(b))
	assert.Equal(t, StatusFound, h.Status())
}

func TestAllocGrowsPageChainWhenFull(t *testing.T) {
	p := NewHeaderPool(32)
	for i := 0; i < 10; i++ {
		p.Alloc(HeaderSize)
	}
	assert.NotNil(t, p.head.next, "a page boundary should have been crossed")
}

func TestAllocIsFourByteAligned(t *testing.T) {
	p := NewHeaderPool(DefaultPageSize)
	p.Alloc(3)
	b := p.Alloc(4)
	// b starts right after the 3-byte alloc rounded up to 4-byte alignment,
	// i.e. at offset 4 of the page.
	assert.Equal(t, p.head.buf[4:8], b)
}

func TestReleaseFreesAllButHeadPage(t *testing.T) {
	p := NewHeaderPool(32)
	for i := 0; i < 10; i++ {
		p.Alloc(HeaderSize)
	}
	require.NotNil(t, p.head.next)

	p.Release()
	assert.Nil(t, p.head.next)
	assert.Equal(t, 0, p.head.used)
	assert.Same(t, p.head, p.cur)
}
