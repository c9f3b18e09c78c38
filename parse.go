package memcached

import (
	"strconv"

	"github.com/skipor/memcached/cache"
)

// checkKey validates a key for the ASCII parser (the binary engine does not
// call it): non-empty, within MaxKeyLength, and free of
// whitespace/control bytes (memcached keys are opaque but line-oriented
// ASCII framing cannot tolerate them).
func checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrBadFormat
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for _, b := range key {
		if b <= ' ' || b == 0x7f {
			return ErrBadFormat
		}
	}
	return nil
}

// parseSetFields parses the argument list of set/add/replace/append/prepend:
// "<key> <flags> <exptime> <bytes> [noreply]".
func parseSetFields(fields [][]byte) (meta cache.ItemMeta, noreply bool, err error) {
	if len(fields) < 4 || len(fields) > 5 {
		err = ErrBadFormat
		return
	}
	if err = checkKey(fields[0]); err != nil {
		return
	}
	flags, ferr := strconv.ParseUint(string(fields[1]), 10, 32)
	if ferr != nil {
		err = ErrBadFormat
		return
	}
	exptime, eerr := strconv.ParseInt(string(fields[2]), 10, 64)
	if eerr != nil {
		err = ErrBadFormat
		return
	}
	nbytes, berr := strconv.Atoi(string(fields[3]))
	if berr != nil || nbytes < 0 {
		err = ErrBadFormat
		return
	}
	if len(fields) == 5 {
		if string(fields[4]) != noreplyToken {
			err = ErrBadFormat
			return
		}
		noreply = true
	}
	meta = cache.ItemMeta{
		Key:     append([]byte(nil), fields[0]...),
		Flags:   uint32(flags),
		Exptime: exptime,
		Bytes:   nbytes,
	}
	return
}

// parseKeyFields parses the common "<key> <extra...> [noreply]" shape shared
// by delete/incr/decr, requiring at least extraRequired tokens after the
// key and before any trailing noreply.
func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1 {
		err = ErrMoreFieldsRequired
		return
	}
	key = fields[0]
	if err = checkKey(key); err != nil {
		return
	}
	rest := fields[1:]
	if len(rest) > 0 && string(rest[len(rest)-1]) == noreplyToken {
		noreply = true
		rest = rest[:len(rest)-1]
	}
	if len(rest) < extraRequired {
		err = ErrMoreFieldsRequired
		return
	}
	extra = rest
	return
}

// parseDelta parses incr/decr's mandatory delta argument.
func parseDelta(field []byte) (uint64, error) {
	delta, err := strconv.ParseUint(string(field), 10, 64)
	if err != nil {
		return 0, ErrInvalidDelta
	}
	return delta, nil
}

// parseDeferWindow parses delete's legacy optional <time> argument.
func parseDeferWindow(field []byte) (int64, error) {
	window, err := strconv.ParseInt(string(field), 10, 64)
	if err != nil {
		return 0, ErrBadFormat
	}
	return window, nil
}

// parseFlushDelay parses flush_all's optional <delay> argument.
func parseFlushDelay(field []byte) (int64, error) {
	delay, err := strconv.ParseInt(string(field), 10, 64)
	if err != nil {
		return 0, ErrBadFormat
	}
	return delay, nil
}
