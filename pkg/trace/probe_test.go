package trace

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/kentik/netdiag/internal/demux"
	"github.com/kentik/netdiag/internal/wire"
)

func TestProbeKeyStableAcrossIncrementExceptUDP(t *testing.T) {
	icmp := &Probe{Kind: KindICMP, Dst: netip.MustParseAddrPort("192.0.2.1:0"), ID: 42}
	key := icmp.Key()
	icmp.Increment()
	if icmp.Key() != key {
		t.Fatal("icmp key changed after Increment, want stable across a sweep")
	}

	tcp := &Probe{
		Kind: KindTCP,
		Src:  netip.MustParseAddrPort("192.0.2.2:33434"),
		Dst:  netip.MustParseAddrPort("192.0.2.1:80"),
	}
	key = tcp.Key()
	tcp.Increment()
	if tcp.Key() != key {
		t.Fatal("tcp key changed after Increment, want stable across a sweep")
	}

	udp := &Probe{
		Kind: KindUDP,
		Src:  netip.MustParseAddrPort("192.0.2.2:33434"),
		Dst:  netip.MustParseAddrPort("192.0.2.1:33434"),
	}
	key = udp.Key()
	udp.Increment()
	if udp.Key() == key {
		t.Fatal("udp key unchanged after Increment, want destination port to advance")
	}
	if udp.Dst.Port() != 33435 {
		t.Fatalf("dst port = %d, want 33435", udp.Dst.Port())
	}
}

func TestProbeIncrementAdvancesTheFieldThatMatchesReplies(t *testing.T) {
	icmp := &Probe{Kind: KindICMP, Seq: 5}
	icmp.Increment()
	if icmp.Seq != 6 {
		t.Fatalf("icmp seq = %d, want 6", icmp.Seq)
	}

	tcp := &Probe{Kind: KindTCP, Ack: 100}
	tcp.Increment()
	if tcp.Ack != 101 {
		t.Fatalf("tcp ack = %d, want 101", tcp.Ack)
	}
}

func TestEncodeV4TCPBakesTTLIntoIPHeader(t *testing.T) {
	probe := &Probe{
		Kind: KindTCP,
		Src:  netip.MustParseAddrPort("192.0.2.2:33434"),
		Dst:  netip.MustParseAddrPort("192.0.2.1:80"),
		Ack:  123456,
	}

	pkt, err := probe.EncodeV4(7)
	if err != nil {
		t.Fatalf("EncodeV4: %v", err)
	}

	ip, tail, err := wire.ParseIPv4Header(pkt)
	if err != nil {
		t.Fatalf("ParseIPv4Header: %v", err)
	}
	if ip.TTL != 7 {
		t.Fatalf("ttl = %d, want 7", ip.TTL)
	}
	if ip.Protocol != wire.ProtoTCP {
		t.Fatalf("protocol = %d, want TCP", ip.Protocol)
	}

	tcp, err := wire.ParseTCPHeader(tail)
	if err != nil {
		t.Fatalf("ParseTCPHeader: %v", err)
	}
	if tcp.Seq != probe.Ack {
		t.Fatalf("tcp seq = %d, want %d", tcp.Seq, probe.Ack)
	}
	if tcp.Flags&wire.FlagSYN == 0 {
		t.Fatal("expected SYN flag set")
	}
}

func TestEncodeV4UDPAdvancesPerAttempt(t *testing.T) {
	probe := &Probe{
		Kind: KindUDP,
		Src:  netip.MustParseAddrPort("192.0.2.2:33434"),
		Dst:  netip.MustParseAddrPort("192.0.2.1:33434"),
	}

	first, err := probe.EncodeV4(1)
	if err != nil {
		t.Fatalf("EncodeV4: %v", err)
	}
	probe.Increment()
	second, err := probe.EncodeV4(2)
	if err != nil {
		t.Fatalf("EncodeV4: %v", err)
	}

	_, tail1, _ := wire.ParseIPv4Header(first)
	_, tail2, _ := wire.ParseIPv4Header(second)
	udp1, _ := wire.ParseUDPHeader(tail1)
	udp2, _ := wire.ParseUDPHeader(tail2)
	if udp2.DstPort != udp1.DstPort+1 {
		t.Fatalf("second dst port = %d, want %d", udp2.DstPort, udp1.DstPort+1)
	}
}

func TestEncodeV6TCPLeavesChecksumZero(t *testing.T) {
	probe := &Probe{
		Kind: KindTCP,
		Src:  netip.MustParseAddrPort("[2001:db8::2]:33434"),
		Dst:  netip.MustParseAddrPort("[2001:db8::1]:80"),
	}

	pkt, err := probe.EncodeV6()
	if err != nil {
		t.Fatalf("EncodeV6: %v", err)
	}
	if len(pkt) != wire.TCPHeaderLen {
		t.Fatalf("len = %d, want %d", len(pkt), wire.TCPHeaderLen)
	}
	if pkt[16] != 0 || pkt[17] != 0 {
		t.Fatalf("checksum bytes = %x %x, want zero", pkt[16], pkt[17])
	}
}

func TestUDPProtocolDefaultsToEphemeralFloor(t *testing.T) {
	p := UDPProtocol(0)
	if p.Port != demux.PortMin {
		t.Fatalf("default starting port = %d, want %d", p.Port, demux.PortMin)
	}
}

func TestEncodeRejectsMixedFamily(t *testing.T) {
	probe := &Probe{
		Kind: KindTCP,
		Src:  netip.MustParseAddrPort("192.0.2.2:33434"),
		Dst:  netip.MustParseAddrPort("[2001:db8::1]:80"),
	}

	if _, err := probe.EncodeV4(1); !errors.Is(err, wire.ErrMixedFamily) {
		t.Fatalf("EncodeV4 error = %v, want ErrMixedFamily", err)
	}
	if _, err := probe.EncodeV6(); !errors.Is(err, wire.ErrMixedFamily) {
		t.Fatalf("EncodeV6 error = %v, want ErrMixedFamily", err)
	}
}
