package bind

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// RouteSocket asks the kernel which local address it would use to reach
// a given destination, the same trick the original UDP-connect-then-
// inspect-local-addr approach used: connect a UDP socket toward the
// destination (no packet is actually sent until a Write) and read back
// whichever source address the kernel's routing table picked.
type RouteSocket struct {
	local netip.Addr
}

// NewRouteSocket constructs a RouteSocket that binds its scratch UDP
// sockets to local (the wildcard address if unset).
func NewRouteSocket(local netip.Addr) *RouteSocket {
	return &RouteSocket{local: local}
}

// Source returns the local address the kernel would route packets to
// dst from.
func (r *RouteSocket) Source(ctx context.Context, dst netip.AddrPort) (netip.Addr, error) {
	var laddr *net.UDPAddr
	if r.local.IsValid() {
		laddr = &net.UDPAddr{IP: r.local.AsSlice()}
	}

	dialer := net.Dialer{LocalAddr: laddr}
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(dst.Addr().String(), fmt.Sprint(dst.Port())))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("bind: route lookup to %s: %w", dst, err)
	}
	defer conn.Close()

	addrPort, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("bind: parse local address: %w", err)
	}
	return addrPort.Addr(), nil
}
