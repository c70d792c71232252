package ping

import (
	"net/netip"
	"testing"

	"golang.org/x/net/icmp"
)

func TestProbeEncodeCarriesToken(t *testing.T) {
	probe := NewProbe(netip.MustParseAddr("127.0.0.1"), 7, 3, 16)

	b, err := probe.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := icmp.ParseMessage(1, b)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		t.Fatalf("body is %T, want *icmp.Echo", msg.Body)
	}
	if echo.ID != 7 || echo.Seq != 3 {
		t.Fatalf("echo id/seq = %d/%d, want 7/3", echo.ID, echo.Seq)
	}

	token, ok := tokenFromEcho(echo)
	if !ok {
		t.Fatal("expected token to be extracted from echo data")
	}
	if token != probe.Token {
		t.Fatalf("recovered token %v != original %v", token, probe.Token)
	}
}

func TestProbeEncodePadsToRequestedSize(t *testing.T) {
	probe := NewProbe(netip.MustParseAddr("::1"), 1, 1, 56)
	if len(probe.payload()) != 56 {
		t.Fatalf("payload length = %d, want 56", len(probe.payload()))
	}
}

func TestTokenFromEchoRejectsShortData(t *testing.T) {
	echo := &icmp.Echo{ID: 1, Seq: 1, Data: []byte{1, 2, 3}}
	if _, ok := tokenFromEcho(echo); ok {
		t.Fatal("expected short echo data to be rejected")
	}
}
