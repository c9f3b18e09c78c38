package memcached

import "errors"

// ASCII command tokens (spec.md EXPANSION "ASCII protocol retained").
const (
	GetCommand      = "get"
	GetsCommand     = "gets"
	SetCommand      = "set"
	AddCommand      = "add"
	ReplaceCommand  = "replace"
	AppendCommand   = "append"
	PrependCommand  = "prepend"
	DeleteCommand   = "delete"
	IncrCommand     = "incr"
	DecrCommand     = "decr"
	FlushAllCommand = "flush_all"
)

// ASCII response tokens.
const (
	StoredResponse      = "STORED"
	NotStoredResponse   = "NOT_STORED"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	EndResponse         = "END"
	ValueResponse       = "VALUE"
	OkResponse          = "OK"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"

	noreplyToken = "noreply"
)

// Separator is the text protocol's line terminator.
const Separator = "\r\n"

const (
	// MaxCommandLength bounds one command line, mirroring the buffer the
	// dispatcher sizes per spec.md's connection-buffer pool discussion.
	MaxCommandLength = 1 << 10
	// OutBufferSize is the per-connection write buffer size.
	OutBufferSize = 1 << 16
	// MaxKeyLength matches spec.md §4.3's nkey precondition (255), minus
	// the 5 bytes memcached historically reserves; kept at the classic
	// ASCII-protocol limit of 250 so existing clients are not surprised.
	MaxKeyLength = 250
)

var (
	ErrMoreFieldsRequired = errors.New("more fields required")
	ErrTooLargeItem       = errors.New("object too large for cache")
	ErrBadFormat          = errors.New("bad command line format")
	ErrBadDataChunk       = errors.New("bad data chunk")
	ErrKeyTooLong         = errors.New("key too long")
	ErrInvalidDelta       = errors.New("invalid numeric delta argument")
	ErrNonNumeric         = errors.New("cannot increment or decrement non-numeric value")
)
