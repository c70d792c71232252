package wire

import (
	"errors"
	"net/netip"
)

// IANA protocol numbers used when dispatching an embedded citation.
const (
	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

// Citation is the handful of fields recoverable from the offending
// packet an ICMPv4 TimeExceeded/DestinationUnreachable message embeds:
// enough to reconstruct the demux Key the original probe reserved.
type Citation struct {
	Protocol uint8
	Src, Dst netip.Addr
	SrcPort  uint16
	DstPort  uint16
	// ID is the embedded ICMP echo request's identifier, set only when
	// Protocol is ProtoICMP.
	ID uint16
}

// DecodeCitationV4 reads the IPv4 header ICMP embedded in an error
// message's payload, then the first bytes of the transport header that
// follows. TCP citations are padded first since routers are only
// obliged to echo 8 bytes of the offending transport header.
func DecodeCitationV4(b []byte) (Citation, error) {
	ip, tail, err := ParseIPv4Header(b)
	if err != nil {
		return Citation{}, err
	}

	c := Citation{Protocol: ip.Protocol, Src: ip.Src, Dst: ip.Dst}

	switch ip.Protocol {
	case ProtoTCP:
		tcp, err := ParseTCPHeader(PadCitation(tail))
		if err != nil {
			return Citation{}, err
		}
		c.SrcPort, c.DstPort = tcp.SrcPort, tcp.DstPort
	case ProtoUDP:
		udp, err := ParseUDPHeader(tail)
		if err != nil {
			return Citation{}, err
		}
		c.SrcPort, c.DstPort = udp.SrcPort, udp.DstPort
	case ProtoICMP:
		if len(tail) < 8 {
			return Citation{}, errors.New("wire: short icmp citation")
		}
		c.ID = uint16(tail[4])<<8 | uint16(tail[5])
	default:
		return Citation{}, errors.New("wire: unsupported citation protocol")
	}

	return c, nil
}
