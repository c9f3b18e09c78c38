package memcached

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipor/memcached/recycle"
)

func TestReadCommandSplitsFields(t *testing.T) {
	r := newReader(strings.NewReader("get foo bar\r\n"), recycle.NewPool(recycle.WithBufferSize(4096)))
	cmd, flds, clientErr, err := r.readCommand()
	require.NoError(t, err)
	require.Nil(t, clientErr)
	assert.Equal(t, "get", string(cmd))
	require.Len(t, flds, 2)
	assert.Equal(t, "foo", string(flds[0]))
	assert.Equal(t, "bar", string(flds[1]))
}

func TestReadCommandBlankLineIsClientError(t *testing.T) {
	r := newReader(strings.NewReader("\r\n"), recycle.NewPool(recycle.WithBufferSize(4096)))
	_, _, clientErr, err := r.readCommand()
	require.NoError(t, err)
	assert.Error(t, clientErr)
}

func TestReadDataBlockValidatesTrailingCRLF(t *testing.T) {
	r := newReader(strings.NewReader("hello\r\n"), recycle.NewPool(recycle.WithBufferSize(4096)))
	data, clientErr, err := r.readDataBlock(5)
	require.NoError(t, err)
	require.Nil(t, clientErr)
	assert.Equal(t, []byte("hello"), data)
}

func TestReadDataBlockRejectsBadTrailer(t *testing.T) {
	r := newReader(strings.NewReader("helloXX"), recycle.NewPool(recycle.WithBufferSize(4096)))
	_, clientErr, err := r.readDataBlock(5)
	require.NoError(t, err)
	assert.ErrorIs(t, clientErr, ErrBadDataChunk)
}

func TestReadDataBlockFallsBackWhenLargerThanPoolBuffer(t *testing.T) {
	payload := strings.Repeat("x", 100) + "\r\n"
	r := newReader(strings.NewReader(payload), recycle.NewPool(recycle.WithBufferSize(16)))
	data, clientErr, err := r.readDataBlock(100)
	require.NoError(t, err)
	require.Nil(t, clientErr)
	assert.Len(t, data, 100)
}
