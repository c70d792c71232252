package trace

import (
	"net/netip"
	"time"

	"github.com/kentik/netdiag/internal/demux"
)

// Kind selects which transport a trace sweep probes with.
type Kind int

const (
	KindICMP Kind = iota
	KindTCP
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindICMP:
		return "icmp"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Protocol selects a trace sweep's transport and, for TCP/UDP, the
// destination port: a fixed target port for TCP, or the starting port
// of the classic incrementing-UDP-port traceroute technique.
type Protocol struct {
	Kind Kind
	Port uint16
}

// ICMPProtocol traces using ICMP echo requests.
func ICMPProtocol() Protocol { return Protocol{Kind: KindICMP} }

// TCPProtocol traces using SYN probes at a fixed destination port.
func TCPProtocol(port uint16) Protocol { return Protocol{Kind: KindTCP, Port: port} }

// UDPProtocol traces using UDP probes starting at port, incrementing by
// one on every subsequent probe so that each carries a distinguishable
// destination port.
func UDPProtocol(port uint16) Protocol {
	if port == 0 {
		port = demux.PortMin
	}
	return Protocol{Kind: KindUDP, Port: port}
}

// Probe is the mutable state of one ttl sweep's outstanding request: it
// is sent once per ttl per attempt and Increment is called between
// attempts so consecutive probes are distinguishable to the receive
// loop.
type Probe struct {
	Kind Kind
	Src  netip.AddrPort
	Dst  netip.AddrPort
	ID   uint16 // ICMP identifier
	Seq  uint16 // ICMP sequence
	Ack  uint32 // TCP initial sequence number
}

// Key returns the demux Key this probe, and any of its replies, are
// matched on. ICMP echo replies carry no reliable way to recover which
// local address they arrived on when read off a wildcard-bound socket,
// so ICMP keys are matched on destination and identifier alone — id's
// 16 bits of entropy are enough to disambiguate concurrent sweeps
// without it.
func (p *Probe) Key() demux.Key {
	switch p.Kind {
	case KindICMP:
		return demux.ICMPKey(netip.Addr{}, p.Dst.Addr(), p.ID)
	case KindTCP:
		return demux.TCPKey(p.Src, p.Dst)
	default:
		return demux.UDPKey(p.Src, p.Dst)
	}
}

// Increment advances the probe to its next attempt: ICMP bumps its
// sequence number, TCP its initial sequence number (so a SYN+ACK's ack
// field picks out the matching attempt), UDP its destination port — the
// only one of the three that changes Key, since UDP draws no reply that
// could otherwise distinguish attempts from each other.
func (p *Probe) Increment() {
	switch p.Kind {
	case KindICMP:
		p.Seq++
	case KindTCP:
		p.Ack++
	case KindUDP:
		p.Dst = netip.AddrPortFrom(p.Dst.Addr(), p.Dst.Port()+1)
	}
}

// Node is one ttl's outcome from a single probe attempt. Reached is
// false when the attempt timed out, in which case Addr and RTT carry no
// meaning. Terminal reports whether the reply indicates the trace has
// arrived at its destination (an echo reply or destination-unreachable,
// as opposed to a mid-path time-exceeded).
type Node struct {
	TTL      int
	Reached  bool
	Addr     netip.Addr
	RTT      time.Duration
	Terminal bool
}
