package bind

import (
	"net/netip"
	"testing"
)

func TestBindDefaultsToWildcard(t *testing.T) {
	var b Bind
	if got := b.SA4(); got != netip.IPv4Unspecified() {
		t.Fatalf("SA4() = %v, want wildcard", got)
	}
	if got := b.SA6(); got != netip.IPv6Unspecified() {
		t.Fatalf("SA6() = %v, want wildcard", got)
	}
}

func TestBindSetPinsFamily(t *testing.T) {
	var b Bind
	v4 := netip.MustParseAddr("192.0.2.1")
	b.Set(v4)
	if got := b.SA4(); got != v4 {
		t.Fatalf("SA4() = %v, want %v", got, v4)
	}
	if got := b.SA6(); got != netip.IPv6Unspecified() {
		t.Fatalf("SA6() = %v, want unchanged wildcard", got)
	}

	v6 := netip.MustParseAddr("2001:db8::1")
	b.Set(v6)
	if got := b.SA6(); got != v6 {
		t.Fatalf("SA6() = %v, want %v", got, v6)
	}
}
