package wire

import (
	"encoding/binary"
	"errors"
)

// UDPHeaderLen is the size of a UDP header.
const UDPHeaderLen = 8

// UDPHeader is a decoded UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// Marshal encodes h with an empty payload and fills in the checksum
// using the supplied IPv4 pseudo-header. Traceroute's UDP probes carry
// no payload of their own interest — only the destination port, which
// the caller advances between attempts, matters.
func (h *UDPHeader) Marshal(pseudo []byte) []byte {
	buf := make([]byte, UDPHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], UDPHeaderLen)
	// checksum (6:8) left zero during the sum

	sum := Checksum(append(append([]byte{}, pseudo...), buf...))
	binary.BigEndian.PutUint16(buf[6:8], sum)
	return buf
}

// ParseUDPHeader decodes the first UDPHeaderLen bytes of b.
func ParseUDPHeader(b []byte) (UDPHeader, error) {
	if len(b) < UDPHeaderLen {
		return UDPHeader{}, errors.New("wire: short UDP header")
	}
	return UDPHeader{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Length:  binary.BigEndian.Uint16(b[4:6]),
	}, nil
}
