package memcached

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/log"
	"github.com/skipor/memcached/recycle"
)

func newTestASCIIConn(t *testing.T) (client net.Conn, br *bufio.Reader) {
	t.Helper()
	c, err := cache.New(4<<20, true)
	require.NoError(t, err)
	pool := recycle.NewPool(recycle.WithBufferSize(4096))
	m := NewConnMeta(c, pool, 1<<20)
	l := log.NewDevelopment(log.FatalLevel)

	client, server := net.Pipe()
	go Serve(l, m, server)
	t.Cleanup(func() { client.Close() })
	client.SetDeadline(time.Now().Add(5 * time.Second))
	return client, bufio.NewReader(client)
}

func sendLine(t *testing.T, c net.Conn, line string) {
	t.Helper()
	_, err := c.Write([]byte(line + Separator))
	require.NoError(t, err)
}

func readLine(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-2]
}

func TestASCIISetAndGet(t *testing.T) {
	client, br := newTestASCIIConn(t)

	sendLine(t, client, "set k 7 0 5")
	sendLine(t, client, "hello")
	assert.Equal(t, StoredResponse, readLine(t, br))

	sendLine(t, client, "get k")
	assert.Equal(t, "VALUE k 7 5", readLine(t, br))
	assert.Equal(t, "hello", readLine(t, br))
	assert.Equal(t, EndResponse, readLine(t, br))
}

func TestASCIIGetMissingKey(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "get nope")
	assert.Equal(t, EndResponse, readLine(t, br))
}

func TestASCIIAddRefusesExisting(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "add k 0 0 1")
	sendLine(t, client, "a")
	assert.Equal(t, StoredResponse, readLine(t, br))

	sendLine(t, client, "add k 0 0 1")
	sendLine(t, client, "a")
	assert.Equal(t, NotStoredResponse, readLine(t, br))
}

func TestASCIIAppend(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "set k 0 0 2")
	sendLine(t, client, "ab")
	readLine(t, br)

	sendLine(t, client, "append k 0 0 2")
	sendLine(t, client, "cd")
	assert.Equal(t, StoredResponse, readLine(t, br))

	sendLine(t, client, "get k")
	assert.Equal(t, "VALUE k 0 4", readLine(t, br))
	assert.Equal(t, "abcd", readLine(t, br))
	readLine(t, br)
}

func TestASCIIPrepend(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "set k 0 0 2")
	sendLine(t, client, "cd")
	readLine(t, br)

	sendLine(t, client, "prepend k 0 0 2")
	sendLine(t, client, "ab")
	assert.Equal(t, StoredResponse, readLine(t, br))

	sendLine(t, client, "get k")
	assert.Equal(t, "VALUE k 0 4", readLine(t, br))
	assert.Equal(t, "abcd", readLine(t, br))
	readLine(t, br)
}

func TestASCIIDelete(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "set k 0 0 1")
	sendLine(t, client, "a")
	readLine(t, br)

	sendLine(t, client, "delete k")
	assert.Equal(t, DeletedResponse, readLine(t, br))

	sendLine(t, client, "delete k")
	assert.Equal(t, NotFoundResponse, readLine(t, br))
}

func TestASCIIIncrDecr(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "set n 0 0 2")
	sendLine(t, client, "10")
	readLine(t, br)

	sendLine(t, client, "incr n 5")
	assert.Equal(t, "15", readLine(t, br))

	sendLine(t, client, "decr n 3")
	assert.Equal(t, "12", readLine(t, br))
}

func TestASCIIFlushAll(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "set k 0 0 1")
	sendLine(t, client, "a")
	readLine(t, br)

	sendLine(t, client, "flush_all")
	assert.Equal(t, OkResponse, readLine(t, br))

	sendLine(t, client, "get k")
	assert.Equal(t, EndResponse, readLine(t, br))
}

func TestASCIINoreplySuppressesResponse(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "set k 0 0 1 noreply")
	sendLine(t, client, "a")

	// No response was written for the noreply set; the next command's
	// reply is the first thing on the wire.
	sendLine(t, client, "get k")
	assert.Equal(t, "VALUE k 0 1", readLine(t, br))
	assert.Equal(t, "a", readLine(t, br))
	readLine(t, br)
}

func TestASCIIUnknownCommand(t *testing.T) {
	client, br := newTestASCIIConn(t)
	sendLine(t, client, "bogus")
	assert.Equal(t, ErrorResponse, readLine(t, br))
}
