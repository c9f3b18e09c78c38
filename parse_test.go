package memcached

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fields(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestCheckKey(t *testing.T) {
	assert.NoError(t, checkKey([]byte("ok-key")))
	assert.Error(t, checkKey(nil))
	assert.Error(t, checkKey([]byte("has space")))
	assert.ErrorIs(t, checkKey(make([]byte, MaxKeyLength+1)), ErrKeyTooLong)
}

func TestParseSetFields(t *testing.T) {
	meta, noreply, err := parseSetFields(fields("k", "7", "0", "5"))
	require.NoError(t, err)
	assert.False(t, noreply)
	assert.Equal(t, "k", string(meta.Key))
	assert.Equal(t, uint32(7), meta.Flags)
	assert.Equal(t, 5, meta.Bytes)
}

func TestParseSetFieldsNoreply(t *testing.T) {
	_, noreply, err := parseSetFields(fields("k", "0", "0", "1", "noreply"))
	require.NoError(t, err)
	assert.True(t, noreply)
}

func TestParseSetFieldsRejectsWrongArity(t *testing.T) {
	_, _, err := parseSetFields(fields("k", "0", "0"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestParseSetFieldsRejectsNonNumericFlags(t *testing.T) {
	_, _, err := parseSetFields(fields("k", "x", "0", "1"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestParseKeyFieldsExtraAndNoreply(t *testing.T) {
	key, extra, noreply, err := parseKeyFields(fields("k", "5", "noreply"), 1)
	require.NoError(t, err)
	assert.Equal(t, "k", string(key))
	require.Len(t, extra, 1)
	assert.Equal(t, "5", string(extra[0]))
	assert.True(t, noreply)
}

func TestParseKeyFieldsMissingRequiredExtra(t *testing.T) {
	_, _, _, err := parseKeyFields(fields("k"), 1)
	assert.ErrorIs(t, err, ErrMoreFieldsRequired)
}

func TestParseDelta(t *testing.T) {
	v, err := parseDelta([]byte("42"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	_, err = parseDelta([]byte("nope"))
	assert.ErrorIs(t, err, ErrInvalidDelta)
}
