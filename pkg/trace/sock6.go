package trace

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/kentik/netdiag/internal/demux"
	"github.com/kentik/netdiag/internal/sockopt"
	"github.com/kentik/netdiag/internal/wire"
)

// udpChecksumOffsetV6 is the byte offset of the checksum field within a
// bare UDP header; IPv6 makes the UDP checksum mandatory, so unlike
// IPv4 it cannot be left at zero even for a probe nobody is meant to
// read the payload of.
const udpChecksumOffsetV6 = 6

// tcpChecksumOffsetV6 is the byte offset of the checksum field within a
// bare TCP header, handed to IPV6_CHECKSUM so the kernel fills it in
// over the pseudo-header this package never constructs for TCP.
const tcpChecksumOffsetV6 = 16

// sock6 is sock4's IPv6 counterpart. IPv6 has no IP_HDRINCL equivalent:
// every raw socket only ever reads and writes the upper-layer payload,
// with the kernel filling in the IPv6 header (and, via IPV6_PKTINFO,
// telling a receiver which local address a datagram arrived on).
type sock6 struct {
	icmpConn *icmp.PacketConn
	rawTCP   *rawSocket6
	rawUDP   *rawSocket6
	table    *demux.Table[demux.Key]
}

func newSock6(table *demux.Table[demux.Key]) (*sock6, error) {
	icmpConn, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("trace: open ipv6 icmp socket: %w", err)
	}
	if err := icmpConn.IPv6PacketConn().SetChecksum(true, 2); err != nil {
		icmpConn.Close()
		return nil, fmt.Errorf("trace: enable ipv6 icmp checksum offload: %w", err)
	}

	rawTCP, err := newRawSocket6(unix.IPPROTO_TCP, tcpChecksumOffsetV6)
	if err != nil {
		icmpConn.Close()
		return nil, fmt.Errorf("trace: open ipv6 raw tcp socket: %w", err)
	}

	rawUDP, err := newRawSocket6(unix.IPPROTO_UDP, udpChecksumOffsetV6)
	if err != nil {
		icmpConn.Close()
		rawTCP.close()
		return nil, fmt.Errorf("trace: open ipv6 raw udp socket: %w", err)
	}

	return &sock6{icmpConn: icmpConn, rawTCP: rawTCP, rawUDP: rawUDP, table: table}, nil
}

func (s *sock6) close() error {
	err1 := s.icmpConn.Close()
	err2 := s.rawTCP.close()
	err3 := s.rawUDP.close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

func (s *sock6) send(probe *Probe, ttl int) (time.Time, error) {
	switch probe.Kind {
	case KindICMP:
		return s.sendICMP(probe, ttl)
	case KindTCP:
		return s.rawTCP.send(probe, ttl)
	default:
		return s.rawUDP.send(probe, ttl)
	}
}

// sendICMP mirrors sock4.sendICMP: hop limit travels as a per-write
// ipv6.ControlMessage instead of the persistent SetHopLimit socket
// option, so two Route sweeps sharing this sock6 can't clobber each
// other's hop count between setting it and writing the packet.
func (s *sock6) sendICMP(probe *Probe, ttl int) (time.Time, error) {
	msg := &icmp.Message{
		Type: ipv6.ICMPTypeEchoRequest,
		Code: 0,
		Body: &icmp.Echo{ID: int(probe.ID), Seq: int(probe.Seq)},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("trace: encode icmpv6 echo: %w", err)
	}
	cm := &ipv6.ControlMessage{HopLimit: ttl}
	dst := &net.IPAddr{IP: probe.Dst.Addr().AsSlice()}
	if _, err := s.icmpConn.IPv6PacketConn().WriteTo(b, cm, dst); err != nil {
		return time.Time{}, fmt.Errorf("trace: send icmpv6 echo: %w", err)
	}
	return time.Now(), nil
}

func (s *sock6) deliver(key demux.Key, reply demux.Reply) {
	ch, ok := s.table.Sender(key)
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// recvICMP mirrors sock4.recvICMP for ICMPv6: echo replies, hop-limit
// exceeded, and destination-unreachable all arrive over the one socket.
func (s *sock6) recvICMP() error {
	buf := make([]byte, 1500)
	for {
		n, peer, err := s.icmpConn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("trace: ipv6 icmp recv: %w", err)
		}
		now := time.Now()

		msg, err := icmp.ParseMessage(int(ipv6.ICMPTypeEchoRequest.Protocol()), buf[:n])
		if err != nil {
			continue
		}
		peerAddr, err := netip.ParseAddr(peer.(*net.IPAddr).IP.String())
		if err != nil {
			continue
		}

		switch body := msg.Body.(type) {
		case *icmp.Echo:
			if msg.Type != ipv6.ICMPTypeEchoReply {
				continue
			}
			key := demux.ICMPKey(netip.Addr{}, peerAddr, uint16(body.ID))
			s.deliver(key, demux.Reply{Arrival: now, Source: peerAddr, Terminal: true})
		case *icmp.TimeExceeded:
			s.deliverCitation(body.Data, now, peerAddr, false)
		case *icmp.DstUnreach:
			s.deliverCitation(body.Data, now, peerAddr, true)
		}
	}
}

// ipv6CitationHeaderLen is the fixed (no extension headers) IPv6 header
// size: version/traffic-class/flow-label (4) + payload length (2) +
// next header (1) + hop limit (1) + source (16) + destination (16).
const ipv6CitationHeaderLen = 40

// deliverCitation decodes a v6 ICMP error's embedded original packet.
// TimeExceeded/DestinationUnreachable bodies carry the original IPv6
// header back, same as v4, so the next-header field is read directly
// rather than threaded through from the caller.
func (s *sock6) deliverCitation(data []byte, now time.Time, peer netip.Addr, terminal bool) {
	if len(data) < ipv6CitationHeaderLen {
		return
	}
	nextHeader := data[6]
	src := netip.AddrFrom16([16]byte(data[8:24]))
	dst := netip.AddrFrom16([16]byte(data[24:40]))
	tail := data[ipv6CitationHeaderLen:]

	var key demux.Key
	switch nextHeader {
	case wire.ProtoTCP:
		tcp, err := wire.ParseTCPHeader(wire.PadCitation(tail))
		if err != nil {
			return
		}
		key = demux.TCPKey(
			netip.AddrPortFrom(src, tcp.SrcPort),
			netip.AddrPortFrom(dst, tcp.DstPort),
		)
	case wire.ProtoUDP:
		udp, err := wire.ParseUDPHeader(tail)
		if err != nil {
			return
		}
		key = demux.UDPKey(
			netip.AddrPortFrom(src, udp.SrcPort),
			netip.AddrPortFrom(dst, udp.DstPort),
		)
	case wire.ProtoICMPv6:
		if len(tail) < 8 {
			return
		}
		id := uint16(tail[4])<<8 | uint16(tail[5])
		key = demux.ICMPKey(netip.Addr{}, dst, id)
	default:
		return
	}

	s.deliver(key, demux.Reply{Arrival: now, Source: peer, Terminal: terminal})
}

// recvTCP decodes inbound IPv6 TCP segments arriving directly, using
// IPV6_PKTINFO ancillary data to recover which local address (and so,
// which probe) the segment answers.
func (s *sock6) recvTCP() error {
	buf := make([]byte, 1500)
	oob := make([]byte, unix.CmsgSpace(20))
	for {
		n, oobn, _, from, err := unix.Recvmsg(s.rawTCP.raw.FD, buf, oob, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) {
				return nil
			}
			return fmt.Errorf("trace: ipv6 tcp recv: %w", err)
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

		local, ok := pktInfoAddr6(oob[:oobn])
		if !ok {
			continue
		}

		key := demux.TCPKey(
			netip.AddrPortFrom(local, tcp.DstPort),
			netip.AddrPortFrom(peer, tcp.SrcPort),
		)
		s.deliver(key, demux.Reply{
			Arrival:  now,
			Source:   peer,
			Terminal: true,
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

func pktInfoAddr6(oob []byte) (netip.Addr, bool) {
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

// rawSocket6 is a raw IPv6 socket dedicated to one upper-layer protocol
// with its own fixed IPV6_CHECKSUM offset.
type rawSocket6 struct {
	raw *sockopt.RawSocket
}

func newRawSocket6(proto, checksumOffset int) (*rawSocket6, error) {
	raw, err := sockopt.OpenRaw(sockopt.FamilyV6, proto)
	if err != nil {
		return nil, err
	}
	if err := raw.SetChecksumOffset(checksumOffset); err != nil {
		raw.Close()
		return nil, err
	}
	if err := raw.SetRecvPktInfo(); err != nil {
		raw.Close()
		return nil, err
	}
	return &rawSocket6{raw: raw}, nil
}

func (r *rawSocket6) close() error { return r.raw.Close() }

// send sets the outgoing hop limit and writes the probe under the raw
// socket's mutex held across both calls: unlike the ICMP path, a raw
// v6 socket has no per-write ancillary alternative wired here, so
// SetHopLimit and SendTo must be treated as one critical section or a
// concurrent probe's SetHopLimit can land between them and this packet
// goes out at the wrong hop count.
func (r *rawSocket6) send(probe *Probe, ttl int) (time.Time, error) {
	pkt, err := probe.EncodeV6()
	if err != nil {
		return time.Time{}, err
	}
	dst := probe.Dst.Addr().As16()

	r.raw.Lock()
	defer r.raw.Unlock()
	if err := r.raw.SetHopLimit(ttl); err != nil {
		return time.Time{}, fmt.Errorf("trace: set ipv6 hop limit: %w", err)
	}
	if err := r.raw.SendTo(pkt, &unix.SockaddrInet6{Addr: dst}); err != nil {
		return time.Time{}, fmt.Errorf("trace: send raw ipv6 probe: %w", err)
	}
	return time.Now(), nil
}
