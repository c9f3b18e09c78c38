package binprot

import "encoding/binary"

// UDPPrefixSize is the 8-byte datagram prefix every UDP request/reply
// carries (spec.md §6 "UDP datagram prefix").
const UDPPrefixSize = 8

// UDPPrefix is the per-datagram framing layered under the binary protocol
// for UDP transport.
type UDPPrefix struct {
	RequestID uint16
	PartNo    uint16
	NParts    uint16
	Reserved  uint16
}

// DecodeUDPPrefix parses the 8-byte prefix.
func DecodeUDPPrefix(b []byte) UDPPrefix {
	_ = b[UDPPrefixSize-1]
	return UDPPrefix{
		RequestID: binary.BigEndian.Uint16(b[0:2]),
		PartNo:    binary.BigEndian.Uint16(b[2:4]),
		NParts:    binary.BigEndian.Uint16(b[4:6]),
		Reserved:  binary.BigEndian.Uint16(b[6:8]),
	}
}

// Encode writes p into an 8-byte buffer.
func (p UDPPrefix) Encode(b []byte) {
	_ = b[UDPPrefixSize-1]
	binary.BigEndian.PutUint16(b[0:2], p.RequestID)
	binary.BigEndian.PutUint16(b[2:4], p.PartNo)
	binary.BigEndian.PutUint16(b[4:6], p.NParts)
	binary.BigEndian.PutUint16(b[6:8], p.Reserved)
}

// ErrUDPFragmentation is returned by ValidateRequestPrefix when partno/nparts
// violate spec.md §6 ("must be 0" / "must be 1"); UDPHandler.Handle then
// replies SERVERERR instead of running the request. A request whose key or
// value is cut short by the end of its datagram is not reported with this
// error: its read fails and Handle sends no reply.
var ErrUDPFragmentation = udpError("binprot: UDP fragmentation rejected")

type udpError string

func (e udpError) Error() string { return string(e) }

// ValidateRequestPrefix enforces spec.md §6's invariants on an inbound
// request datagram: part-no must be 0, n-parts must be 1.
func ValidateRequestPrefix(p UDPPrefix) error {
	if p.PartNo != 0 || p.NParts != 1 {
		return ErrUDPFragmentation
	}
	return nil
}

// MaxUDPPayload bounds one outbound packet's payload (excluding the UDP
// prefix), matching common UDP binary-protocol implementations' conservative
// MTU-safe default.
const MaxUDPPayload = 1400

// BuildUDPDatagrams is the pure function named in spec.md DESIGN NOTES
// ("UDP multi-part reply builder: pure function from (reply iovec list,
// request-id) to a new iovec list with prepended 8-byte headers;
// unit-testable without sockets"). It splits reply into packets of at most
// MaxUDPPayload bytes, prepending a UDPPrefix to each.
func BuildUDPDatagrams(reply []byte, requestID uint16) [][]byte {
	if len(reply) == 0 {
		reply = []byte{}
	}
	var parts [][]byte
	for off := 0; off < len(reply) || len(parts) == 0; off += MaxUDPPayload {
		end := off + MaxUDPPayload
		if end > len(reply) {
			end = len(reply)
		}
		parts = append(parts, reply[off:end])
		if end == len(reply) {
			break
		}
	}
	nparts := uint16(len(parts))
	out := make([][]byte, len(parts))
	for i, part := range parts {
		pkt := make([]byte, UDPPrefixSize+len(part))
		UDPPrefix{RequestID: requestID, PartNo: uint16(i), NParts: nparts}.Encode(pkt[:UDPPrefixSize])
		copy(pkt[UDPPrefixSize:], part)
		out[i] = pkt
	}
	return out
}
