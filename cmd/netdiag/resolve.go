package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// netLookupHost resolves host to its first A/AAAA address.
func netLookupHost(host string) (netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses found for %s", host)
	}
	addr, ok := netip.AddrFromSlice(ips[0].IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("unparsable address for %s", host)
	}
	return addr.Unmap(), nil
}
