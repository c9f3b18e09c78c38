package memcached

import (
	"bufio"
	"bytes"
	"io"

	"github.com/skipor/memcached/recycle"
)

// reader frames the ASCII protocol's two grammar productions: a
// whitespace-separated command line, and a fixed-length data block
// terminated by a mandatory CRLF.
type reader struct {
	br   *bufio.Reader
	pool *recycle.Pool
}

func newReader(rwc io.Reader, pool *recycle.Pool) reader {
	return reader{br: bufio.NewReaderSize(rwc, MaxCommandLength), pool: pool}
}

// readCommand reads one line and splits it on whitespace. The first field is
// returned separately as the command token; the rest are left for the
// caller's verb-specific parser (parse.go).
func (r reader) readCommand() (command []byte, fields [][]byte, clientErr, err error) {
	line, lerr := r.br.ReadSlice('\n')
	if lerr != nil {
		if lerr == bufio.ErrBufferFull {
			clientErr = ErrBadFormat
			err = r.discardLine()
			return
		}
		err = lerr
		return
	}
	line = bytes.TrimRight(line, "\r\n")
	parts := bytes.Fields(line)
	if len(parts) == 0 {
		clientErr = ErrBadFormat
		return
	}
	command, fields = parts[0], parts[1:]
	return
}

// discardLine drops whatever remains of an over-long command line.
func (r reader) discardLine() error {
	for {
		_, err := r.br.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

// readDataBlock reads exactly n bytes of item data plus the mandatory
// trailing CRLF. When n fits within one pool buffer it stages the read
// there and copies out, exercising the same connection-buffer pool the
// binary engine uses (spec.md §4.6); oversized blocks fall back to a direct
// allocation.
func (r reader) readDataBlock(n int) (data []byte, clientErr, err error) {
	total := n + len(Separator)
	if total <= r.pool.MaxChunkSize() {
		buf, aerr := r.pool.Alloc(total)
		if aerr == nil {
			defer r.pool.Free(buf, total)
			window := buf.Slice(total).Bytes()
			if _, err = io.ReadFull(r.br, window); err != nil {
				return
			}
			if string(window[n:]) != Separator {
				clientErr = ErrBadDataChunk
			}
			data = append([]byte(nil), window[:n]...)
			return
		}
	}
	raw := make([]byte, total)
	if _, err = io.ReadFull(r.br, raw); err != nil {
		return
	}
	if string(raw[n:]) != Separator {
		clientErr = ErrBadDataChunk
	}
	data = raw[:n]
	return
}

// Discard drops n bytes, used to drain an oversized item's data block after
// it has already been rejected as too large.
func (r reader) Discard(n int) (int, error) {
	return r.br.Discard(n)
}
