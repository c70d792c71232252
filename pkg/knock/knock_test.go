package knock

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/kentik/netdiag/internal/wire"
)

func TestProbeEncodeV4RoundTrips(t *testing.T) {
	probe := Probe{
		Src: netip.MustParseAddrPort("192.0.2.1:33434"),
		Dst: netip.MustParseAddrPort("192.0.2.2:80"),
		Seq: 123456,
	}

	pkt, err := probe.EncodeV4()
	if err != nil {
		t.Fatalf("EncodeV4: %v", err)
	}

	ip, tail, err := wire.ParseIPv4Header(pkt)
	if err != nil {
		t.Fatalf("ParseIPv4Header: %v", err)
	}
	if ip.Protocol != wire.ProtoTCP {
		t.Fatalf("protocol = %d, want TCP", ip.Protocol)
	}
	if ip.Src != probe.Src.Addr() || ip.Dst != probe.Dst.Addr() {
		t.Fatalf("ip src/dst = %v/%v, want %v/%v", ip.Src, ip.Dst, probe.Src.Addr(), probe.Dst.Addr())
	}

	tcp, err := wire.ParseTCPHeader(tail)
	if err != nil {
		t.Fatalf("ParseTCPHeader: %v", err)
	}
	if tcp.SrcPort != probe.Src.Port() || tcp.DstPort != probe.Dst.Port() {
		t.Fatalf("tcp ports = %d/%d, want %d/%d", tcp.SrcPort, tcp.DstPort, probe.Src.Port(), probe.Dst.Port())
	}
	if tcp.Flags&wire.FlagSYN == 0 {
		t.Fatal("expected SYN flag set")
	}
	if tcp.Seq != probe.Seq {
		t.Fatalf("seq = %d, want %d", tcp.Seq, probe.Seq)
	}
}

func TestProbeEncodeV6LeavesChecksumZero(t *testing.T) {
	probe := Probe{
		Src: netip.MustParseAddrPort("[2001:db8::1]:33434"),
		Dst: netip.MustParseAddrPort("[2001:db8::2]:80"),
		Seq: 7,
	}

	pkt, err := probe.EncodeV6()
	if err != nil {
		t.Fatalf("EncodeV6: %v", err)
	}
	if len(pkt) != wire.TCPHeaderLen {
		t.Fatalf("len = %d, want %d", len(pkt), wire.TCPHeaderLen)
	}
	if pkt[16] != 0 || pkt[17] != 0 {
		t.Fatalf("checksum bytes = %x %x, want zero (kernel fills via IPV6_CHECKSUM)", pkt[16], pkt[17])
	}
}

func TestProbeRejectsMixedFamily(t *testing.T) {
	probe := Probe{
		Src: netip.MustParseAddrPort("192.0.2.1:33434"),
		Dst: netip.MustParseAddrPort("[2001:db8::2]:80"),
	}

	if _, err := probe.EncodeV4(); !errors.Is(err, wire.ErrMixedFamily) {
		t.Fatalf("EncodeV4 error = %v, want ErrMixedFamily", err)
	}
	if _, err := probe.EncodeV6(); !errors.Is(err, wire.ErrMixedFamily) {
		t.Fatalf("EncodeV6 error = %v, want ErrMixedFamily", err)
	}
}
