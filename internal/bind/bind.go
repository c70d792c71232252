// Package bind resolves the local source address a probe should use,
// either a fixed address the caller pinned down or one the kernel picks
// for us via its own routing table.
package bind

import "net/netip"

// Bind holds an optional fixed source address per IP family. A probe
// that hasn't been pinned to a specific source leaves both unset and
// falls back to the wildcard address, letting the kernel choose.
type Bind struct {
	v4 netip.Addr
	v6 netip.Addr
}

// Set pins addr as the fixed source for its family.
func (b *Bind) Set(addr netip.Addr) {
	if addr.Is4() || addr.Is4In6() {
		b.v4 = addr.Unmap()
	} else if addr.Is6() {
		b.v6 = addr
	}
}

// SA4 returns the fixed IPv4 source address, or the wildcard if unset.
func (b *Bind) SA4() netip.Addr {
	if b.v4.IsValid() {
		return b.v4
	}
	return netip.IPv4Unspecified()
}

// SA6 returns the fixed IPv6 source address, or the wildcard if unset.
func (b *Bind) SA6() netip.Addr {
	if b.v6.IsValid() {
		return b.v6
	}
	return netip.IPv6Unspecified()
}
