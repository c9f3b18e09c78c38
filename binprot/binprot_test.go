package binprot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Magic: ReqMagic, Cmd: CmdSet, KeyLen: 3, Opaque: 0xDEADBEEF, BodyLength: 11}
	var b [HeaderSize]byte
	h.Encode(b[:])

	got := Decode(b[:])
	assert.Equal(t, h, got)
}

func TestReplyHeaderCopiesOpaqueAndCmd(t *testing.T) {
	req := Header{Magic: ReqMagic, Cmd: CmdGet, KeyLen: 3, Opaque: 42, BodyLength: 3}
	reply := ReplyHeader(req, StatusFound, 20)

	assert.Equal(t, ResMagic, reply.Magic)
	assert.Equal(t, req.Cmd, reply.Cmd)
	assert.Equal(t, req.Opaque, reply.Opaque)
	assert.Equal(t, StatusFound, reply.Status())
	assert.Equal(t, uint32(20), reply.BodyLength)
}

func TestShapeClassification(t *testing.T) {
	cases := []struct {
		cmd            byte
		hasKey, hasValue, hasString bool
	}{
		{CmdEcho, false, false, false},
		{CmdQuit, false, false, false},
		{CmdVersion, false, false, false},
		{CmdGet, true, false, false},
		{CmdGetQ, true, false, false},
		{CmdSet, true, true, false},
		{CmdAppendQ, true, true, false},
		{CmdDelete, true, false, false},
		{CmdIncr, true, false, false},
		{CmdFlushAll, false, false, false},
		{CmdFlushRegex, false, false, true},
		{CmdStats, false, false, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.hasKey, HasKey(c.cmd), "HasKey(%#x)", c.cmd)
		assert.Equal(t, c.hasValue, HasValue(c.cmd), "HasValue(%#x)", c.cmd)
		assert.Equal(t, c.hasString, HasString(c.cmd), "HasString(%#x)", c.cmd)
	}
}

func TestIsQuiet(t *testing.T) {
	assert.False(t, IsQuiet(CmdGet))
	assert.True(t, IsQuiet(CmdGetQ))
	assert.True(t, IsQuiet(CmdSetQ))
	assert.False(t, IsQuiet(CmdSet))
}

func TestQuietVariantsShareShapeWithBase(t *testing.T) {
	assert.Equal(t, shapeOf(CmdSet), shapeOf(CmdSetQ))
	assert.Equal(t, shapeOf(CmdDelete), shapeOf(CmdDeleteQ))
	assert.Equal(t, shapeOf(CmdGet), shapeOf(CmdGetQ))
}
