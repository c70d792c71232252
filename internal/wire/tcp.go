package wire

import (
	"encoding/binary"
	"errors"
)

// TCPHeaderLen is the size of an option-free TCP header.
const TCPHeaderLen = 20

// DefaultWindow is the window size the knock/trace SYN probes advertise.
// It carries no meaning for a probe that never completes a handshake;
// it only needs to look like a real TCP stack picked it.
const DefaultWindow = 5840

// TCP flag bits, the ones this library ever sets or inspects.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagACK uint8 = 1 << 4
)

// TCPHeader is an option-free TCP segment header.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

// Marshal encodes h as a bare segment carrying h.Flags (no payload, no
// options) and fills in the checksum using the supplied pseudo-header.
func (h *TCPHeader) Marshal(pseudo []byte) []byte {
	buf := make([]byte, TCPHeaderLen)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = 5 << 4 // data offset: 5 words, no options
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	// checksum (16:18) left zero during the sum
	// urgent pointer (18:20) unused

	sum := Checksum(append(append([]byte{}, pseudo...), buf...))
	binary.BigEndian.PutUint16(buf[16:18], sum)
	return buf
}

// MarshalNoChecksum encodes h as a bare SYN segment leaving the
// checksum field zero, for sockets where the kernel computes it itself
// (IPv6's IPV6_CHECKSUM option, which covers a pseudo-header this layer
// never constructs).
func (h *TCPHeader) MarshalNoChecksum() []byte {
	buf := make([]byte, TCPHeaderLen)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = 5 << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	return buf
}

// ParseTCPHeader decodes the first TCPHeaderLen bytes of b. It ignores
// any options (data offset > 5); callers only need the fixed fields.
func ParseTCPHeader(b []byte) (TCPHeader, error) {
	if len(b) < TCPHeaderLen {
		return TCPHeader{}, errors.New("wire: short TCP header")
	}
	return TCPHeader{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   b[13],
		Window:  binary.BigEndian.Uint16(b[14:16]),
	}, nil
}

// PadCitation pads a truncated ICMP citation of an offending TCP segment
// up to 64 bytes so ParseTCPHeader never runs off the end of the slice.
// Routers are only required to echo back 8 bytes of the original
// transport header (RFC 792), so citations routinely contain nothing
// past source/destination port and sequence number; everything from
// byte 8 on is padded with 0x50 (a plausible-looking data-offset byte)
// and must not be trusted beyond what ParseTCPHeader actually needs.
func PadCitation(b []byte) []byte {
	if len(b) >= TCPHeaderLen {
		return b
	}
	padded := make([]byte, 64)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = 0x50
	}
	return padded
}
