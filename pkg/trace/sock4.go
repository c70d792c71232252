package trace

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/kentik/netdiag/internal/demux"
	"github.com/kentik/netdiag/internal/probelog"
	"github.com/kentik/netdiag/internal/sockopt"
	"github.com/kentik/netdiag/internal/wire"
)

// sock4 owns every socket a v4 trace sweep needs: an ICMP socket that
// both sends echo probes and receives the TimeExceeded/Unreachable
// replies TCP and UDP probes draw, plus raw TCP and UDP sockets for
// sending those probes (and, for TCP, receiving its own SYN+ACK/RST
// replies directly).
type sock4 struct {
	icmpConn *icmp.PacketConn
	rawTCP   *sockopt.RawSocket
	rawUDP   *sockopt.RawSocket
	table    *demux.Table[demux.Key]
}

func newSock4(table *demux.Table[demux.Key]) (*sock4, error) {
	icmpConn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("trace: open ipv4 icmp socket: %w", err)
	}

	rawTCP, err := sockopt.OpenRaw(sockopt.FamilyV4, unix.IPPROTO_TCP)
	if err != nil {
		icmpConn.Close()
		return nil, fmt.Errorf("trace: open ipv4 raw tcp socket: %w", err)
	}
	if err := rawTCP.SetHdrIncl(); err != nil {
		icmpConn.Close()
		rawTCP.Close()
		return nil, fmt.Errorf("trace: enable tcp IP_HDRINCL: %w", err)
	}

	rawUDP, err := sockopt.OpenRaw(sockopt.FamilyV4, unix.IPPROTO_UDP)
	if err != nil {
		icmpConn.Close()
		rawTCP.Close()
		return nil, fmt.Errorf("trace: open ipv4 raw udp socket: %w", err)
	}
	if err := rawUDP.SetHdrIncl(); err != nil {
		icmpConn.Close()
		rawTCP.Close()
		rawUDP.Close()
		return nil, fmt.Errorf("trace: enable udp IP_HDRINCL: %w", err)
	}

	return &sock4{icmpConn: icmpConn, rawTCP: rawTCP, rawUDP: rawUDP, table: table}, nil
}

func (s *sock4) close() error {
	err1 := s.icmpConn.Close()
	err2 := s.rawTCP.Close()
	err3 := s.rawUDP.Close()
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}
	return err3
}

func (s *sock4) send(probe *Probe, ttl int) (time.Time, error) {
	switch probe.Kind {
	case KindICMP:
		return s.sendICMP(probe, ttl)
	case KindTCP:
		return s.sendRaw(s.rawTCP, probe, ttl)
	default:
		return s.sendRaw(s.rawUDP, probe, ttl)
	}
}

// sendICMP sends one TTL-scoped echo request. TTL rides along as
// per-write ancillary data (ipv4.ControlMessage.TTL) rather than the
// persistent IP_TTL socket option SetTTL would set: SetTTL would be
// process-wide state on icmpConn, so a concurrent Route sweep's own
// SetTTL could land between this call's option-set and its write and
// this packet would go out at the wrong TTL. A control message is
// scoped to the single WriteTo, so concurrent sweeps on one sock4 never
// clobber each other's hop count.
func (s *sock4) sendICMP(probe *Probe, ttl int) (time.Time, error) {
	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: int(probe.ID), Seq: int(probe.Seq)},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("trace: encode icmp echo: %w", err)
	}
	cm := &ipv4.ControlMessage{TTL: ttl}
	dst := &net.IPAddr{IP: probe.Dst.Addr().AsSlice()}
	if _, err := s.icmpConn.IPv4PacketConn().WriteTo(b, cm, dst); err != nil {
		return time.Time{}, fmt.Errorf("trace: send icmp echo: %w", err)
	}
	return time.Now(), nil
}

func (s *sock4) sendRaw(raw *sockopt.RawSocket, probe *Probe, ttl int) (time.Time, error) {
	pkt, err := probe.EncodeV4(ttl)
	if err != nil {
		return time.Time{}, err
	}
	dst := probe.Dst.Addr().As4()
	raw.Lock()
	err = raw.SendTo(pkt, &unix.SockaddrInet4{Addr: dst})
	raw.Unlock()
	if err != nil {
		return time.Time{}, fmt.Errorf("trace: send raw ipv4 probe: %w", err)
	}
	return time.Now(), nil
}

// recvICMP decodes inbound ICMPv4 messages: echo replies deliver
// directly to an ICMP probe's Key; TimeExceeded and DestinationUnreachable
// carry a citation of the original packet that TCP/UDP probes are
// matched against.
func (s *sock4) recvICMP() error {
	buf := make([]byte, 1500)
	for {
		n, peer, err := s.icmpConn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("trace: ipv4 icmp recv: %w", err)
		}
		now := time.Now()

		msg, err := icmp.ParseMessage(int(ipv4.ICMPTypeEcho.Protocol()), buf[:n])
		if err != nil {
			continue
		}

		peerAddr, err := netip.ParseAddr(peer.(*net.IPAddr).IP.String())
		if err != nil {
			continue
		}

		switch body := msg.Body.(type) {
		case *icmp.Echo:
			if msg.Type != ipv4.ICMPTypeEchoReply {
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

func (s *sock4) deliverCitation(data []byte, now time.Time, peer netip.Addr, terminal bool) {
	citation, err := wire.DecodeCitationV4(data)
	if err != nil {
		probelog.L().Debugw("ignoring unparsable icmp citation", "error", err)
		return
	}

	var key demux.Key
	switch citation.Protocol {
	case wire.ProtoTCP:
		key = demux.TCPKey(
			netip.AddrPortFrom(citation.Src, citation.SrcPort),
			netip.AddrPortFrom(citation.Dst, citation.DstPort),
		)
	case wire.ProtoUDP:
		key = demux.UDPKey(
			netip.AddrPortFrom(citation.Src, citation.SrcPort),
			netip.AddrPortFrom(citation.Dst, citation.DstPort),
		)
	case wire.ProtoICMP:
		key = demux.ICMPKey(netip.Addr{}, citation.Dst, citation.ID)
	default:
		return
	}

	s.deliver(key, demux.Reply{Arrival: now, Source: peer, Terminal: terminal})
}

func (s *sock4) deliver(key demux.Key, reply demux.Reply) {
	ch, ok := s.table.Sender(key)
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// recvTCP decodes inbound IPv4 TCP segments arriving directly (a real
// SYN+ACK or RST, as opposed to an ICMP error citation about one).
func (s *sock4) recvTCP() error {
	buf := make([]byte, 1500)
	for {
		n, _, err := unix.Recvfrom(s.rawTCP.FD, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) {
				return nil
			}
			return fmt.Errorf("trace: ipv4 tcp recv: %w", err)
		}
		now := time.Now()

		ip, tail, err := wire.ParseIPv4Header(buf[:n])
		if err != nil || ip.Protocol != wire.ProtoTCP {
			continue
		}
		tcp, err := wire.ParseTCPHeader(tail)
		if err != nil {
			continue
		}

		key := demux.TCPKey(
			netip.AddrPortFrom(ip.Dst, tcp.DstPort),
			netip.AddrPortFrom(ip.Src, tcp.SrcPort),
		)
		s.deliver(key, demux.Reply{
			Arrival:  now,
			Source:   ip.Src,
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
