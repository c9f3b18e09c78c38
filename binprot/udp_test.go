package binprot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPPrefixEncodeDecodeRoundTrip(t *testing.T) {
	p := UDPPrefix{RequestID: 7, PartNo: 0, NParts: 1, Reserved: 0}
	var b [UDPPrefixSize]byte
	p.Encode(b[:])
	assert.Equal(t, p, DecodeUDPPrefix(b[:]))
}

func TestValidateRequestPrefixRejectsFragments(t *testing.T) {
	assert.NoError(t, ValidateRequestPrefix(UDPPrefix{PartNo: 0, NParts: 1}))
	assert.ErrorIs(t, ValidateRequestPrefix(UDPPrefix{PartNo: 1, NParts: 1}), ErrUDPFragmentation)
	assert.ErrorIs(t, ValidateRequestPrefix(UDPPrefix{PartNo: 0, NParts: 2}), ErrUDPFragmentation)
}

func TestBuildUDPDatagramsSinglePacket(t *testing.T) {
	reply := make([]byte, 100)
	datagrams := BuildUDPDatagrams(reply, 42)
	require.Len(t, datagrams, 1)

	prefix := DecodeUDPPrefix(datagrams[0][:UDPPrefixSize])
	assert.Equal(t, uint16(42), prefix.RequestID)
	assert.Equal(t, uint16(0), prefix.PartNo)
	assert.Equal(t, uint16(1), prefix.NParts)
	assert.Len(t, datagrams[0][UDPPrefixSize:], 100)
}

func TestBuildUDPDatagramsSplitsAcrossMaxPayload(t *testing.T) {
	reply := make([]byte, MaxUDPPayload+1)
	datagrams := BuildUDPDatagrams(reply, 1)
	require.Len(t, datagrams, 2)

	p0 := DecodeUDPPrefix(datagrams[0][:UDPPrefixSize])
	p1 := DecodeUDPPrefix(datagrams[1][:UDPPrefixSize])
	assert.Equal(t, uint16(2), p0.NParts)
	assert.Equal(t, uint16(0), p0.PartNo)
	assert.Equal(t, uint16(1), p1.PartNo)
	assert.Len(t, datagrams[0][UDPPrefixSize:], MaxUDPPayload)
	assert.Len(t, datagrams[1][UDPPrefixSize:], 1)
}

func TestBuildUDPDatagramsEmptyReplyStillSendsOnePacket(t *testing.T) {
	datagrams := BuildUDPDatagrams(nil, 5)
	require.Len(t, datagrams, 1)
	assert.Len(t, datagrams[0], UDPPrefixSize)
}
