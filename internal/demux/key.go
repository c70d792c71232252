// Package demux implements the shared fabric that routes inbound
// packets, decoded by a protocol's background receive loop, to the one
// outstanding probe that reserved a matching Key. It is the core datum
// described by the diagnostics library this package supports: every
// engine (ping, knock, trace) reserves a Key before it sends, and the
// receive loop that later decodes a reply looks the same Key up to find
// who to deliver it to.
package demux

import "net/netip"

// Proto distinguishes the protocol a Key was reserved for. ICMP keys
// carry an echo identifier instead of ports; TCP and UDP keys carry the
// source/destination socket address pair the probe used.
type Proto uint8

const (
	ProtoICMP Proto = iota
	ProtoTCP
	ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Key is the tagged union used as the demux map key. It is a plain
// comparable struct (not an interface) so it can be used directly as a
// Go map key; Proto plus the zero value of the fields a variant doesn't
// use keeps ICMP/TCP/UDP keys from ever colliding with each other.
type Key struct {
	Proto Proto
	Src   netip.AddrPort
	Dst   netip.AddrPort
	ID    uint16
}

// ICMPKey builds the key an ICMP echo probe or its reply is matched on.
func ICMPKey(src, dst netip.Addr, id uint16) Key {
	return Key{
		Proto: ProtoICMP,
		Src:   netip.AddrPortFrom(src, 0),
		Dst:   netip.AddrPortFrom(dst, 0),
		ID:    id,
	}
}

// TCPKey builds the key a TCP SYN probe or its SYN+ACK/RST reply is
// matched on.
func TCPKey(src, dst netip.AddrPort) Key {
	return Key{Proto: ProtoTCP, Src: src, Dst: dst}
}

// UDPKey builds the key a UDP probe or its ICMP error reply is matched
// on.
func UDPKey(src, dst netip.AddrPort) Key {
	return Key{Proto: ProtoUDP, Src: src, Dst: dst}
}

// Token is the 16-byte random payload a ping probe places in its ICMP
// echo data; it is used directly as the ping engine's demux key instead
// of going through Key, since ping has no port or echo-id uniqueness
// guarantee of its own (many engines may share the same id by chance).
type Token [16]byte
