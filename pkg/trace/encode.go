package trace

import (
	"fmt"

	"github.com/kentik/netdiag/internal/wire"
)

// EncodeV4 builds the raw IPv4 packet a TCP or UDP probe sends over an
// IP_HDRINCL socket, with ttl baked directly into the IP header so the
// same socket can vary it probe to probe without a setsockopt call per
// send. ICMP probes are sent through golang.org/x/net/icmp instead,
// whose PacketConn already exposes a per-write TTL.
func (p *Probe) EncodeV4(ttl int) ([]byte, error) {
	if err := wire.ValidateFamily(p.Src.Addr(), p.Dst.Addr()); err != nil {
		return nil, err
	}

	src4 := p.Src.Addr().As4()
	dst4 := p.Dst.Addr().As4()

	var payload []byte
	var protocol uint8

	switch p.Kind {
	case KindTCP:
		protocol = wire.ProtoTCP
		tcp := wire.TCPHeader{
			SrcPort: p.Src.Port(),
			DstPort: p.Dst.Port(),
			Seq:     p.Ack,
			Flags:   wire.FlagSYN,
			Window:  wire.DefaultWindow,
		}
		pseudo := wire.PseudoHeaderV4(src4, dst4, wire.ProtoTCP, wire.TCPHeaderLen)
		payload = tcp.Marshal(pseudo)
	case KindUDP:
		protocol = wire.ProtoUDP
		udp := wire.UDPHeader{SrcPort: p.Src.Port(), DstPort: p.Dst.Port()}
		pseudo := wire.PseudoHeaderV4(src4, dst4, wire.ProtoUDP, wire.UDPHeaderLen)
		payload = udp.Marshal(pseudo)
	default:
		return nil, fmt.Errorf("trace: EncodeV4 called for non-raw kind %v", p.Kind)
	}

	ip := wire.IPv4Header{
		TotalLen: uint16(wire.IPv4HeaderLen + len(payload)),
		TTL:      uint8(ttl),
		Protocol: protocol,
		Src:      p.Src.Addr(),
		Dst:      p.Dst.Addr(),
	}
	return ip.Marshal(payload)
}

// EncodeV6 builds the bare transport payload a TCP or UDP probe sends
// over an IPv6 raw socket; the kernel supplies the IPv6 header and the
// per-write hop limit is set separately via IPV6_UNICAST_HOPS.
func (p *Probe) EncodeV6() ([]byte, error) {
	if err := wire.ValidateFamily(p.Src.Addr(), p.Dst.Addr()); err != nil {
		return nil, err
	}

	switch p.Kind {
	case KindTCP:
		tcp := wire.TCPHeader{
			SrcPort: p.Src.Port(),
			DstPort: p.Dst.Port(),
			Seq:     p.Ack,
			Flags:   wire.FlagSYN,
			Window:  wire.DefaultWindow,
		}
		return tcp.MarshalNoChecksum(), nil
	case KindUDP:
		// UDPv6 checksum is mandatory and is also left to the kernel:
		// the raw UDP socket has its own IPV6_CHECKSUM offset (6),
		// separate from the raw TCP socket's (16).
		buf := make([]byte, wire.UDPHeaderLen)
		return buf, encodeUDP6(buf, p)
	default:
		return nil, fmt.Errorf("trace: EncodeV6 called for non-raw kind %v", p.Kind)
	}
}

func encodeUDP6(buf []byte, p *Probe) error {
	if len(buf) < wire.UDPHeaderLen {
		return fmt.Errorf("trace: short udp buffer")
	}
	buf[0], buf[1] = byte(p.Src.Port()>>8), byte(p.Src.Port())
	buf[2], buf[3] = byte(p.Dst.Port()>>8), byte(p.Dst.Port())
	buf[4], buf[5] = 0, wire.UDPHeaderLen
	buf[6], buf[7] = 0, 0
	return nil
}
