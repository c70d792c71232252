package knock

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kentik/netdiag/internal/bind"
	"github.com/kentik/netdiag/internal/demux"
	"github.com/kentik/netdiag/internal/probelog"
	"github.com/kentik/netdiag/internal/sockopt"
	"github.com/kentik/netdiag/internal/wire"
)

// tcpChecksumOffset is the byte offset of the checksum field within a
// bare TCP header, where the kernel's IPV6_CHECKSUM option writes the
// value it computes for us.
const tcpChecksumOffset = 16

// sock4 sends raw IPv4 SYN probes and demultiplexes their TCP replies.
type sock4 struct {
	raw   *sockopt.RawSocket
	route *bind.RouteSocket
	table *demux.Broadcast[demux.Key]
}

func newSock4(b *bind.Bind, table *demux.Broadcast[demux.Key]) (*sock4, error) {
	raw, err := sockopt.OpenRaw(sockopt.FamilyV4, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("knock: open ipv4 raw socket: %w", err)
	}
	if err := raw.SetHdrIncl(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("knock: enable IP_HDRINCL: %w", err)
	}
	return &sock4{raw: raw, route: bind.NewRouteSocket(b.SA4()), table: table}, nil
}

func (s *sock4) close() error { return s.raw.Close() }

func (s *sock4) source(ctx context.Context, dst netip.AddrPort) (netip.Addr, error) {
	return s.route.Source(ctx, dst)
}

func (s *sock4) send(probe Probe) (time.Time, error) {
	pkt, err := probe.EncodeV4()
	if err != nil {
		return time.Time{}, fmt.Errorf("knock: encode ipv4 probe: %w", err)
	}

	dst := probe.Dst.Addr().As4()
	sa := &unix.SockaddrInet4{Addr: dst}
	s.raw.Lock()
	err = s.raw.SendTo(pkt, sa)
	s.raw.Unlock()
	if err != nil {
		return time.Time{}, fmt.Errorf("knock: send ipv4 syn: %w", err)
	}
	return time.Now(), nil
}

// recv decodes inbound IPv4 TCP segments and publishes matching replies
// to whichever probes are currently subscribed under their Key.
func (s *sock4) recv(ctx context.Context) error {
	if err := s.raw.SetNonblocking(false); err != nil {
		return fmt.Errorf("knock: set blocking: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, _, err := unix.Recvfrom(s.raw.FD, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("knock: ipv4 recv: %w", err)
		}

		now := time.Now()
		ip, tail, err := wire.ParseIPv4Header(buf[:n])
		if err != nil || ip.Protocol != wire.ProtoTCP {
			continue
		}
		tcp, err := wire.ParseTCPHeader(tail)
		if err != nil {
			probelog.L().Debugw("ignoring truncated tcp segment", "error", err)
			continue
		}

		src := netip.AddrPortFrom(ip.Src, tcp.SrcPort)
		dst := netip.AddrPortFrom(ip.Dst, tcp.DstPort)
		key := demux.TCPKey(dst, src)

		s.table.Publish(key, demux.Reply{
			Arrival: now,
			Source:  ip.Src,
			TCP: &demux.TCPInfo{
				Seq: tcp.Seq,
				Ack: tcp.Ack,
				SYN: tcp.Flags&wire.FlagSYN != 0,
				ACK: tcp.Flags&wire.FlagACK != 0,
				RST: tcp.Flags&wire.FlagRST != 0,
			},
		})
	}
}

// sock6 is sock4's IPv6 counterpart.
type sock6 struct {
	raw   *sockopt.RawSocket
	route *bind.RouteSocket
	table *demux.Broadcast[demux.Key]
}

func newSock6(b *bind.Bind, table *demux.Broadcast[demux.Key]) (*sock6, error) {
	raw, err := sockopt.OpenRaw(sockopt.FamilyV6, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("knock: open ipv6 raw socket: %w", err)
	}
	if err := raw.SetChecksumOffset(tcpChecksumOffset); err != nil {
		raw.Close()
		return nil, fmt.Errorf("knock: enable IPV6_CHECKSUM: %w", err)
	}
	if err := raw.SetRecvPktInfo(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("knock: enable IPV6_RECVPKTINFO: %w", err)
	}
	return &sock6{raw: raw, route: bind.NewRouteSocket(b.SA6()), table: table}, nil
}

func (s *sock6) close() error { return s.raw.Close() }

func (s *sock6) source(ctx context.Context, dst netip.AddrPort) (netip.Addr, error) {
	return s.route.Source(ctx, dst)
}

func (s *sock6) send(probe Probe) (time.Time, error) {
	pkt, err := probe.EncodeV6()
	if err != nil {
		return time.Time{}, fmt.Errorf("knock: encode ipv6 probe: %w", err)
	}
	dst := probe.Dst.Addr().As16()
	sa := &unix.SockaddrInet6{Addr: dst}
	s.raw.Lock()
	err = s.raw.SendTo(pkt, sa)
	s.raw.Unlock()
	if err != nil {
		return time.Time{}, fmt.Errorf("knock: send ipv6 syn: %w", err)
	}
	return time.Now(), nil
}

// recv decodes inbound IPv6 TCP segments. Unlike sock4 there is no IP
// header to recover the destination address from (only the upper-layer
// payload reaches a raw IPv6 socket), so the local address comes from
// the IPV6_PKTINFO ancillary data and a segment without it is dropped.
// Ports come from the TCP header, the peer address from the sender's
// socket address.
func (s *sock6) recv(ctx context.Context) error {
	if err := s.raw.SetNonblocking(false); err != nil {
		return fmt.Errorf("knock: set blocking: %w", err)
	}

	buf := make([]byte, 1500)
	oob := make([]byte, unix.CmsgSpace(20)) // in6_pktinfo: 16-byte addr + 4-byte ifindex
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, oobn, _, from, err := unix.Recvmsg(s.raw.FD, buf, oob, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("knock: ipv6 recv: %w", err)
		}

		now := time.Now()
		tcp, err := wire.ParseTCPHeader(buf[:n])
		if err != nil {
			continue
		}

		sa6, ok := from.(*unix.SockaddrInet6)
		if !ok {
			continue
		}
		peer := netip.AddrFrom16(sa6.Addr)

		local, ok := pktInfoAddr(oob[:oobn])
		if !ok {
			probelog.L().Debugw("ipv6 recv missing IPV6_PKTINFO, dropping")
			continue
		}

		dst := netip.AddrPortFrom(local, tcp.DstPort)
		src := netip.AddrPortFrom(peer, tcp.SrcPort)
		key := demux.TCPKey(dst, src)

		s.table.Publish(key, demux.Reply{
			Arrival: now,
			Source:  peer,
			TCP: &demux.TCPInfo{
				Seq: tcp.Seq,
				Ack: tcp.Ack,
				SYN: tcp.Flags&wire.FlagSYN != 0,
				ACK: tcp.Flags&wire.FlagACK != 0,
				RST: tcp.Flags&wire.FlagRST != 0,
			},
		})
	}
}

// pktInfoAddr extracts the destination address of an inbound packet
// from its IPV6_PKTINFO ancillary data, the same cmsg the original
// implementation decodes to learn which local address a datagram
// without its own routable IP header arrived on.
func pktInfoAddr(oob []byte) (netip.Addr, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.Addr{}, false
	}
	for _, msg := range msgs {
		if msg.Header.Level != unix.IPPROTO_IPV6 || msg.Header.Type != unix.IPV6_PKTINFO {
			continue
		}
		if len(msg.Data) < 16 {
			continue
		}
		return netip.AddrFrom16([16]byte(msg.Data[:16])), true
	}
	return netip.Addr{}, false
}
