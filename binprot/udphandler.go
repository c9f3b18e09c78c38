package binprot

import (
	"bufio"
	"bytes"

	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/log"
)

// UDPHandler runs one binary-protocol request to completion per datagram
// (spec.md §6: "Multi-packet requests are rejected"), reusing the same
// command handlers Conn uses for TCP. It holds no per-peer state, matching
// the C reference's recvfrom/sendmsg cycle having no connection object for
// UDP clients.
type UDPHandler struct {
	log   log.Logger
	cache cache.Handler
}

// NewUDPHandler builds a handler bound to a cache for one UDP listener.
func NewUDPHandler(l log.Logger, c cache.Handler) *UDPHandler {
	return &UDPHandler{log: l, cache: c}
}

// Handle validates datagram's UDP prefix, runs the single request it
// carries, and splits the reply back into MaxUDPPayload-sized datagrams
// tagged with the same request-id (spec.md §6 UDP datagram prefix). A
// prefix that fails validation gets a SERVERERR reply and the request is
// not run.
func (h *UDPHandler) Handle(datagram []byte) [][]byte {
	if len(datagram) < UDPPrefixSize {
		return nil
	}
	prefix := DecodeUDPPrefix(datagram[:UDPPrefixSize])
	if err := ValidateRequestPrefix(prefix); err != nil {
		h.log.Warnf("binprot udp: %v", err)
		msg := err.Error()
		reply := make([]byte, HeaderSize+len(msg))
		Header{Magic: ResMagic, Cmd: CmdServerErr, KeyLen: StatusRemoteErr, BodyLength: uint32(len(msg))}.Encode(reply)
		copy(reply[HeaderSize:], msg)
		return BuildUDPDatagrams(reply, prefix.RequestID)
	}
	reply := h.process(datagram[UDPPrefixSize:])
	if reply == nil {
		return nil
	}
	return BuildUDPDatagrams(reply, prefix.RequestID)
}

func (h *UDPHandler) process(payload []byte) []byte {
	var out bytes.Buffer
	c := &Conn{
		br:   bufio.NewReader(bytes.NewReader(payload)),
		bw:   bufio.NewWriter(&out),
		cache: h.cache,
		log:  h.log,
		hdrs: NewHeaderPool(DefaultPageSize),
	}
	if err := c.serveOne(); err != nil {
		h.log.Debugf("binprot udp: request error: %v", err)
	}
	c.bw.Flush()
	return out.Bytes()
}
