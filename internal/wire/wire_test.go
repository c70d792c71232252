package wire

import (
	"net/netip"
	"testing"
)

func TestChecksumSelfConsistent(t *testing.T) {
	pkt := []byte{0x08, 0x00, 0x00, 0x00, 0x12, 0x34, 0x00, 0x01, 'h', 'i'}
	sum := Checksum(pkt)
	pkt[2] = byte(sum >> 8)
	pkt[3] = byte(sum)

	if got := Checksum(pkt); got != 0xffff {
		t.Errorf("expected checksum over finalized packet to be 0xffff, got %#x", got)
	}
}

func TestIPv4HeaderRoundTrip(t *testing.T) {
	h := IPv4Header{
		TTL:      12,
		Protocol: ProtoTCP,
		Src:      netip.MustParseAddr("192.0.2.1"),
		Dst:      netip.MustParseAddr("192.0.2.2"),
	}

	pkt, err := h.Marshal([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, tail, err := ParseIPv4Header(pkt)
	if err != nil {
		t.Fatalf("ParseIPv4Header: %v", err)
	}

	if got.TTL != h.TTL || got.Protocol != h.Protocol {
		t.Errorf("TTL/Protocol mismatch: got %+v", got)
	}
	if got.Src != h.Src || got.Dst != h.Dst {
		t.Errorf("Src/Dst mismatch: got %+v", got)
	}
	if string(tail) != "\x01\x02\x03\x04" {
		t.Errorf("unexpected tail: %v", tail)
	}
}

func TestTCPHeaderRoundTrip(t *testing.T) {
	src := [4]byte{192, 0, 2, 1}
	dst := [4]byte{192, 0, 2, 2}
	pseudo := PseudoHeaderV4(src, dst, ProtoTCP, TCPHeaderLen)

	h := TCPHeader{SrcPort: 40000, DstPort: 80, Seq: 0xdeadbeef, Flags: FlagSYN, Window: DefaultWindow}
	pkt := h.Marshal(pseudo)

	got, err := ParseTCPHeader(pkt)
	if err != nil {
		t.Fatalf("ParseTCPHeader: %v", err)
	}
	if got.SrcPort != h.SrcPort || got.DstPort != h.DstPort || got.Seq != h.Seq || got.Flags != h.Flags {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}

	full := append(append([]byte{}, pseudo...), pkt...)
	if sum := Checksum(full); sum != 0xffff {
		t.Errorf("expected checksum 0xffff, got %#x", sum)
	}
}

func TestPadCitationLeavesLongSliceAlone(t *testing.T) {
	b := make([]byte, TCPHeaderLen+4)
	if p := PadCitation(b); len(p) != len(b) {
		t.Errorf("PadCitation changed length of an already-long slice")
	}
}

func TestDecodeCitationV4TCP(t *testing.T) {
	ip := IPv4Header{
		Protocol: ProtoTCP,
		Src:      netip.MustParseAddr("198.51.100.1"),
		Dst:      netip.MustParseAddr("198.51.100.2"),
	}
	tcp := TCPHeader{SrcPort: 33434, DstPort: 443, Seq: 1}
	pseudo := PseudoHeaderV4(ip.Src.As4(), ip.Dst.As4(), ProtoTCP, TCPHeaderLen)
	seg := tcp.Marshal(pseudo)[:8] // routers only guarantee 8 bytes back

	pkt, err := ip.Marshal(seg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	c, err := DecodeCitationV4(pkt)
	if err != nil {
		t.Fatalf("DecodeCitationV4: %v", err)
	}
	if c.SrcPort != tcp.SrcPort || c.DstPort != tcp.DstPort {
		t.Errorf("port mismatch: got %+v", c)
	}
}
