package binprot

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/log"
	"github.com/skipor/memcached/recycle"
)

// version is the literal reply to the version command.
const version = "memcached-flat-1.0"

// Conn drives one binary-protocol connection's state machine (spec.md
// §4.7: header_size_unknown -> header_size_known -> waiting_for_key/
// waiting_for_string/process -> waiting_for_value -> process -> writing).
// Each state is realized here as a function that reads exactly the bytes
// that state's transition defines, rather than as an explicit enum driven
// by non-blocking I/O notifications — see the package doc comment for why
// that is equivalent under Go's goroutine-per-connection model.
type Conn struct {
	rwc   io.ReadWriteCloser
	br    *bufio.Reader
	bw    *bufio.Writer
	cache cache.Handler
	pool  *recycle.Pool
	log   log.Logger
	hdrs  *HeaderPool

	keyBuf [256]byte
}

// NewConn builds a binary-protocol connection handler bound to one
// accepted socket.
func NewConn(l log.Logger, c cache.Handler, pool *recycle.Pool, rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:   rwc,
		br:    bufio.NewReaderSize(rwc, DefaultPageSize),
		bw:    bufio.NewWriterSize(rwc, DefaultPageSize),
		cache: c,
		pool:  pool,
		log:   l,
		hdrs:  NewHeaderPool(DefaultPageSize),
	}
}

// Serve runs the request/reply loop until the peer disconnects or a
// protocol-framing error forces the connection closed (spec.md §7:
// "Protocol framing: bad magic, unknown command, UDP fragmentation ->
// terminate the connection with a SERVERERR reply, then close").
func (c *Conn) Serve() {
	defer c.rwc.Close()
	for {
		if err := c.serveOne(); err != nil {
			if err == io.EOF {
				return
			}
			c.log.Debugf("binprot: closing connection: %v", err)
			return
		}
	}
}

// serveOne implements one full header_size_unknown..writing cycle.
func (c *Conn) serveOne() error {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(c.br, hb[:]); err != nil {
		return err
	}
	req := Decode(hb[:])
	if req.Magic != ReqMagic {
		return c.protocolError(req, errors.New("binprot: bad request magic"))
	}

	// Wire order within the body is always extras, then key, then value
	// (spec.md §4.7 worked example); shapeKV (get) has no extras, so its
	// key comes immediately after the header.
	switch shapeOf(req.Cmd) {
	case shapeEE:
		return c.handleEmpty(req)
	case shapeES:
		return c.handleVersion(req)
	case shapeKV:
		key, err := c.readKey(req)
		if err != nil {
			return err
		}
		return c.handleGet(req, key)
	case shapeKvE:
		return c.handleStore(req)
	case shapeKnE:
		return c.handleDelete(req)
	case shapeKnN:
		return c.handleIncrDecr(req)
	case shapeNE:
		return c.handleFlushAll(req)
	case shapeSE:
		return c.handleFlushRegex(req)
	case shapeSS:
		return c.handleStats(req)
	default:
		return c.protocolError(req, errors.New("binprot: unknown command"))
	}
}

func (c *Conn) readKey(req Header) ([]byte, error) {
	n := int(req.KeyLen)
	if n > len(c.keyBuf) {
		return nil, c.protocolError(req, errors.New("binprot: key too long"))
	}
	key := c.keyBuf[:n]
	if _, err := io.ReadFull(c.br, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (c *Conn) readBody(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, err := io.ReadFull(c.br, b)
	return b, err
}

func (c *Conn) readNumber() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.br, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// handleEmpty serves echo/quit (spec.md §4.7.1 "echo: allocate empty reply
// with status = ok; enqueue").
func (c *Conn) handleEmpty(req Header) error {
	c.writeEmpty(req, StatusOK)
	if req.Cmd&^Quiet == CmdQuit {
		c.flush()
		return io.EOF
	}
	return c.flush()
}

func (c *Conn) handleVersion(req Header) error {
	c.writeString(req, StatusOK, version)
	return c.flush()
}

// handleGet implements spec.md §4.7.1 get/getQ.
func (c *Conn) handleGet(req Header, key []byte) error {
	views := c.cache.Get(key)
	view := views[0]
	if view.Reader == nil {
		if !IsQuiet(req.Cmd) {
			c.writeEmpty(req, StatusNotFound)
		}
		return c.flush()
	}
	defer view.Reader.Close()
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], 0) // exptime not tracked per-read
	binary.BigEndian.PutUint32(extras[4:8], view.Flags)
	_, body := c.hdrs.AllocHeader(req, StatusFound, uint32(len(extras)+view.Bytes))
	c.bw.Write(body)
	c.bw.Write(extras)
	view.Reader.WriteTo(c.bw)
	return c.flush()
}

// handleStore implements spec.md §4.7.1 set/add/replace/append (+Q).
func (c *Conn) handleStore(req Header) error {
	exptime, err := c.readNumber()
	if err != nil {
		return err
	}
	flags, err := c.readNumber()
	if err != nil {
		return err
	}
	key, err := c.readKey(req)
	if err != nil {
		return err
	}
	valueLen := int(req.BodyLength) - 8 - len(key)
	if valueLen < 0 {
		return c.protocolError(req, errors.New("binprot: body shorter than extras+key"))
	}
	value, err := c.readBody(valueLen)
	if err != nil {
		return err
	}
	item := cache.Item{
		ItemMeta: cache.ItemMeta{Key: key, Flags: flags, Exptime: int64(exptime), Bytes: valueLen},
		Data:     value,
	}

	var stored bool
	switch req.Cmd &^ Quiet {
	case CmdSet:
		c.cache.Set(item)
		stored = true
	case CmdAdd:
		stored = c.cache.Add(item)
	case CmdReplace:
		stored = c.cache.Replace(item)
	case CmdAppend:
		stored = c.cache.Append(item)
	}

	if IsQuiet(req.Cmd) && stored {
		return nil
	}
	status := StatusStored
	if !stored {
		status = StatusNotStored
	}
	c.writeEmpty(req, status)
	return c.flush()
}

// handleDelete implements spec.md §4.7.1 delete(+Q): number carries the
// defer-delete window.
func (c *Conn) handleDelete(req Header) error {
	window, err := c.readNumber()
	if err != nil {
		return err
	}
	key, err := c.readKey(req)
	if err != nil {
		return err
	}
	deleted, locked := c.cache.Delete(key, int64(window))
	if IsQuiet(req.Cmd) && (deleted || locked) {
		return nil
	}
	status := StatusNotFound
	if deleted || locked {
		status = StatusDeleted
	}
	c.writeEmpty(req, status)
	return c.flush()
}

// handleIncrDecr implements spec.md §4.7.1 incr/decr.
func (c *Conn) handleIncrDecr(req Header) error {
	delta, err := c.readNumber()
	if err != nil {
		return err
	}
	key, err := c.readKey(req)
	if err != nil {
		return err
	}
	newValue, found, clientErr := c.cache.IncrDecr(key, uint64(delta), req.Cmd == CmdIncr)
	switch {
	case !found:
		c.writeEmpty(req, StatusNotFound)
	case clientErr:
		c.writeEmpty(req, StatusLocalErr)
	default:
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(newValue))
		_, hdr := c.hdrs.AllocHeader(req, StatusOK, uint32(len(body)))
		c.bw.Write(hdr)
		c.bw.Write(body)
	}
	return c.flush()
}

// handleFlushAll implements spec.md §4.7.1 flush_all(number).
func (c *Conn) handleFlushAll(req Header) error {
	delay, err := c.readNumber()
	if err != nil {
		return err
	}
	c.cache.FlushAll(int64(delay))
	c.writeEmpty(req, StatusOK)
	return c.flush()
}

// handleFlushRegex is implemented (spec.md EXPANSION resolution #2: "not
// left as asserts"), using a pool-backed read for the pattern string
// (spec.md §4.7 "for string commands, allocate a byte buffer of exact
// length from the buffer pool").
func (c *Conn) handleFlushRegex(req Header) error {
	pattern, err := c.readString(int(req.BodyLength))
	if err != nil {
		return err
	}
	_, err = c.cache.ExpireRegexCount(string(pattern))
	status := StatusOK
	if err != nil {
		status = StatusLocalErr
	}
	c.writeEmpty(req, status)
	return c.flush()
}

// handleStats returns the coarse counters spec.md §4.9/§9 names, as one
// string reply line (spec.md EXPANSION resolution #2).
func (c *Conn) handleStats(req Header) error {
	if _, err := c.readString(int(req.BodyLength)); err != nil {
		return err
	}
	s, ok := c.cache.(interface{ StatsSnapshot() cache.Snapshot })
	if !ok {
		c.writeString(req, StatusOK, "")
		return c.flush()
	}
	snap := s.StatsSnapshot()
	c.writeString(req, StatusOK, statsLine(snap))
	return c.flush()
}

func (c *Conn) readString(n int) ([]byte, error) {
	if c.pool != nil && n <= c.pool.MaxChunkSize() {
		buf, err := c.pool.Alloc(n)
		if err == nil {
			defer c.pool.Free(buf, n)
			window := buf.Slice(n).Bytes()
			if _, err := io.ReadFull(c.br, window); err != nil {
				return nil, err
			}
			return append([]byte(nil), window...), nil
		}
	}
	return c.readBody(n)
}

func (c *Conn) writeEmpty(req Header, status byte) {
	_, b := c.hdrs.AllocHeader(req, status, 0)
	c.bw.Write(b)
}

func (c *Conn) writeString(req Header, status byte, s string) {
	_, hdr := c.hdrs.AllocHeader(req, status, uint32(len(s)))
	c.bw.Write(hdr)
	c.bw.WriteString(s)
}

func (c *Conn) protocolError(req Header, cause error) error {
	c.log.Warnf("binprot: protocol error: %v", cause)
	req.Cmd = CmdServerErr
	c.writeString(req, StatusRemoteErr, cause.Error())
	c.flush()
	return cause
}

func (c *Conn) flush() error {
	err := c.bw.Flush()
	c.hdrs.Release()
	return err
}
