package ping

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/kentik/netdiag/internal/bind"
	"github.com/kentik/netdiag/internal/demux"
	"github.com/kentik/netdiag/internal/probelog"
)

// checksumOffsetV6 is the byte offset of the Checksum field within an
// ICMPv6 header, where the kernel writes the checksum it computes over
// the pseudo-header this package never sees directly.
const checksumOffsetV6 = 2

// sock4 owns the IPv4 raw ICMP socket and the background loop that
// matches inbound echo replies to outstanding tokens.
type sock4 struct {
	conn  *icmp.PacketConn
	table *demux.Table[demux.Token]
}

func newSock4(b *bind.Bind, table *demux.Table[demux.Token]) (*sock4, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", b.SA4().String())
	if err != nil {
		return nil, fmt.Errorf("ping: open ipv4 socket: %w", err)
	}
	return &sock4{conn: conn, table: table}, nil
}

func (s *sock4) send(probe Probe) (time.Time, error) {
	pkt, err := probe.Encode()
	if err != nil {
		return time.Time{}, err
	}
	if _, err := s.conn.WriteTo(pkt, &net.IPAddr{IP: probe.Addr.AsSlice()}); err != nil {
		return time.Time{}, fmt.Errorf("ping: send ipv4 echo: %w", err)
	}
	return time.Now(), nil
}

func (s *sock4) close() error { return s.conn.Close() }

func (s *sock4) recv() error {
	buf := make([]byte, 1500)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ping: ipv4 recv: %w", err)
		}

		now := time.Now()
		msg, err := icmp.ParseMessage(int(ipv4.ICMPTypeEcho.Protocol()), buf[:n])
		if err != nil {
			probelog.L().Debugw("ignoring unparsable ipv4 packet", "error", err)
			continue
		}
		if msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		token, ok := tokenFromEcho(echo)
		if !ok {
			continue
		}

		deliver(s.table, token, peer, now)
	}
}

// sock6 is sock4's IPv6 counterpart; it additionally enables the
// kernel's IPV6_CHECKSUM helper since ICMPv6 checksums cover a
// pseudo-header this package has no way to compute on its own.
type sock6 struct {
	conn  *icmp.PacketConn
	table *demux.Table[demux.Token]
}

func newSock6(b *bind.Bind, table *demux.Table[demux.Token]) (*sock6, error) {
	conn, err := icmp.ListenPacket("ip6:ipv6-icmp", b.SA6().String())
	if err != nil {
		return nil, fmt.Errorf("ping: open ipv6 socket: %w", err)
	}
	if err := conn.IPv6PacketConn().SetChecksum(true, checksumOffsetV6); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping: enable ipv6 checksum offload: %w", err)
	}
	return &sock6{conn: conn, table: table}, nil
}

func (s *sock6) send(probe Probe) (time.Time, error) {
	pkt, err := probe.Encode()
	if err != nil {
		return time.Time{}, err
	}
	if _, err := s.conn.WriteTo(pkt, &net.IPAddr{IP: probe.Addr.AsSlice()}); err != nil {
		return time.Time{}, fmt.Errorf("ping: send ipv6 echo: %w", err)
	}
	return time.Now(), nil
}

func (s *sock6) close() error { return s.conn.Close() }

func (s *sock6) recv() error {
	buf := make([]byte, 1500)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ping: ipv6 recv: %w", err)
		}

		now := time.Now()
		msg, err := icmp.ParseMessage(int(ipv6.ICMPTypeEchoReply.Protocol()), buf[:n])
		if err != nil {
			probelog.L().Debugw("ignoring unparsable ipv6 packet", "error", err)
			continue
		}
		if msg.Type != ipv6.ICMPTypeEchoReply {
			continue
		}
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		token, ok := tokenFromEcho(echo)
		if !ok {
			continue
		}

		deliver(s.table, token, peer, now)
	}
}

// deliver removes token's reservation, if any is still outstanding, and
// hands the reply to its waiter. A token with no matching entry means
// either nobody is waiting for it or it already timed out (I2: a token
// that already fired is never fired twice).
func deliver(table *demux.Table[demux.Token], token demux.Token, peer net.Addr, now time.Time) {
	ch, ok := table.Remove(token)
	if !ok {
		return
	}

	addr, err := netip.ParseAddr(peer.(*net.IPAddr).IP.String())
	if err != nil {
		probelog.L().Debugw("ignoring echo reply with unparsable peer", "error", err)
		return
	}

	select {
	case ch <- demux.Reply{Arrival: now, Source: addr, Terminal: true}:
	default:
	}
}
