// Package sockopt wraps the raw-socket setup the ping, knock and trace
// engines all share: opening an IPv4/IPv6 raw socket for a given
// transport, toggling IP_HDRINCL for the probes that build their own IP
// header, and enabling the IPv6 kernel checksum helper for the ones
// that don't. It generalizes the per-engine syscall plumbing a single
// tracer used to do inline into one place all three engines can call.
package sockopt

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Family distinguishes IPv4 and IPv6 raw sockets.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// domain returns the AF_* constant for f.
func (f Family) domain() int {
	if f == FamilyV6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// RawSocket is an open raw (SOCK_RAW) socket plus the family it was
// opened for, used by knock's TCP SYN send and trace's TCP/UDP probes.
//
// mu serializes every send on the fd: a raw socket has no per-write TTL
// or hop-limit argument the way icmp.PacketConn's WriteTo does, so a
// send that depends on a socket-wide option (SetTTL, SetHopLimit) must
// hold mu across both the option call and the write it governs, or a
// concurrent sender's option call can land in between and the packet
// goes out under the wrong value. Callers that send fixed values baked
// into the packet bytes (IP_HDRINCL probes) still take the lock, purely
// to keep one fd's writes from interleaving at the syscall level.
type RawSocket struct {
	FD     int
	Family Family

	mu sync.Mutex
}

// Lock acquires the socket's send mutex. Pair with Unlock around any
// socket-option-then-send sequence (SetTTL/SetHopLimit followed by
// SendTo) as well as around a bare SendTo.
func (s *RawSocket) Lock() { s.mu.Lock() }

// Unlock releases the socket's send mutex.
func (s *RawSocket) Unlock() { s.mu.Unlock() }

// OpenRaw opens a SOCK_RAW socket for family over the given IP protocol
// number (unix.IPPROTO_TCP, unix.IPPROTO_UDP, unix.IPPROTO_ICMP, ...).
func OpenRaw(family Family, proto int) (*RawSocket, error) {
	fd, err := unix.Socket(family.domain(), unix.SOCK_RAW, proto)
	if err != nil {
		return nil, fmt.Errorf("sockopt: open raw socket: %w", err)
	}
	return &RawSocket{FD: fd, Family: family}, nil
}

// Close closes the underlying file descriptor.
func (s *RawSocket) Close() error {
	return unix.Close(s.FD)
}

// SetHdrIncl enables IP_HDRINCL on an IPv4 raw socket, telling the
// kernel the caller supplies its own IP header. Darwin leaves the
// header's total-length field in host byte order and the checksum
// zeroed even with this option set; callers building the header must
// branch on runtime.GOOS themselves (see internal/wire.IPv4Header).
func (s *RawSocket) SetHdrIncl() error {
	if s.Family != FamilyV4 {
		return fmt.Errorf("sockopt: IP_HDRINCL only applies to IPv4 sockets")
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_IP, unix.IP_HDRINCL, 1)
}

// SetChecksumOffset enables the kernel's IPV6_CHECKSUM helper on an
// IPv6 raw socket: the kernel computes and patches the checksum at the
// given byte offset into the payload before sending, since unlike IPv4
// there is no user-supplied pseudo-header to hand-compute against.
// offset must point at the transport checksum field within the
// payload the caller writes (2 for ICMPv6's Checksum field).
func (s *RawSocket) SetChecksumOffset(offset int) error {
	if s.Family != FamilyV6 {
		return fmt.Errorf("sockopt: IPV6_CHECKSUM only applies to IPv6 sockets")
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_IPV6, unix.IPV6_CHECKSUM, offset)
}

// SetRecvHopLimit asks the kernel to deliver the inbound hop limit as
// ancillary data (IPV6_RECVHOPLIMIT), mirroring IPv4's TTL visibility
// via the IP header that IP_HDRINCL already exposes.
func (s *RawSocket) SetRecvHopLimit() error {
	if s.Family != FamilyV6 {
		return fmt.Errorf("sockopt: IPV6_RECVHOPLIMIT only applies to IPv6 sockets")
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1)
}

// SetRecvPktInfo asks the kernel to deliver IPV6_PKTINFO ancillary data
// (destination address and inbound interface) with each datagram.
func (s *RawSocket) SetRecvPktInfo() error {
	if s.Family != FamilyV6 {
		return fmt.Errorf("sockopt: IPV6_RECVPKTINFO only applies to IPv6 sockets")
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1)
}

// SetHopLimit sets the outgoing unicast hop limit (the IPv6 analogue of
// IP_TTL), used by trace's TTL sweep.
func (s *RawSocket) SetHopLimit(hops int) error {
	if s.Family != FamilyV6 {
		return fmt.Errorf("sockopt: IPV6_UNICAST_HOPS only applies to IPv6 sockets")
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, hops)
}

// SetTTL sets the outgoing IPv4 TTL, used by trace's TTL sweep when
// IP_HDRINCL is not in play (e.g. a plain ICMP echo socket).
func (s *RawSocket) SetTTL(ttl int) error {
	if s.Family != FamilyV4 {
		return fmt.Errorf("sockopt: IP_TTL only applies to IPv4 sockets")
	}
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

// SetNonblocking toggles O_NONBLOCK on the socket.
func (s *RawSocket) SetNonblocking(nonblocking bool) error {
	return unix.SetNonblock(s.FD, nonblocking)
}

// BindAddr binds the socket to a local address, letting the kernel pick
// the outbound interface/source address that matches it.
func (s *RawSocket) BindAddr(sa unix.Sockaddr) error {
	return unix.Bind(s.FD, sa)
}

// SendTo writes b to dst on a connectionless raw socket.
func (s *RawSocket) SendTo(b []byte, dst unix.Sockaddr) error {
	return unix.Sendto(s.FD, b, 0, dst)
}

// Quirky reports whether the current platform requires the IP_HDRINCL
// host-byte-order/zero-checksum workaround (currently just Darwin).
func Quirky() bool {
	return runtime.GOOS == "darwin"
}
