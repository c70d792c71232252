package knock

import (
	"net/netip"

	"github.com/kentik/netdiag/internal/wire"
)

// Probe is a single TCP SYN probe: src and dst fully determine the
// demux Key it is matched on, seq is the initial sequence number whose
// successor the reply's ack must echo back.
type Probe struct {
	Src netip.AddrPort
	Dst netip.AddrPort
	Seq uint32
}

func (p Probe) header() wire.TCPHeader {
	return wire.TCPHeader{
		SrcPort: p.Src.Port(),
		DstPort: p.Dst.Port(),
		Seq:     p.Seq,
		Flags:   wire.FlagSYN,
		Window:  wire.DefaultWindow,
	}
}

// EncodeV4 builds the raw IPv4 packet (IP header + bare TCP SYN
// segment) a knock probe sends over an IP_HDRINCL socket.
func (p Probe) EncodeV4() ([]byte, error) {
	if err := wire.ValidateFamily(p.Src.Addr(), p.Dst.Addr()); err != nil {
		return nil, err
	}

	h := p.header()
	pseudo := wire.PseudoHeaderV4(p.Src.Addr().As4(), p.Dst.Addr().As4(), wire.ProtoTCP, wire.TCPHeaderLen)
	tcp := h.Marshal(pseudo)

	ip := wire.IPv4Header{
		TotalLen: uint16(wire.IPv4HeaderLen + len(tcp)),
		TTL:      64,
		Protocol: wire.ProtoTCP,
		Src:      p.Src.Addr(),
		Dst:      p.Dst.Addr(),
	}
	return ip.Marshal(tcp)
}

// EncodeV6 builds the bare TCP SYN segment a knock probe sends over an
// IPv6 raw socket; the kernel supplies the IPv6 header and, via
// IPV6_CHECKSUM, the checksum this layer leaves zero.
func (p Probe) EncodeV6() ([]byte, error) {
	if err := wire.ValidateFamily(p.Src.Addr(), p.Dst.Addr()); err != nil {
		return nil, err
	}

	h := p.header()
	return h.MarshalNoChecksum(), nil
}
