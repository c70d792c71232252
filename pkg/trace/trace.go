// Package trace runs a ttl-limited sweep of ICMP, TCP or UDP probes and
// reports which address answered at each hop, the classic traceroute
// technique generalized over all three transports behind one demux
// table. Unlike ping and knock, a trace sweep probes strictly one ttl
// at a time, so it needs no fan-out: at most one probe is ever
// in-flight for a given sweep.
package trace

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kentik/netdiag/internal/bind"
	"github.com/kentik/netdiag/internal/demux"
	"github.com/kentik/netdiag/internal/probelog"
)

// Trace describes one sweep: Probes attempts at each ttl from 1 up to
// Limit, each waiting up to Expiry for a reply, stopping early once a
// hop reports it reached Addr (or an unreachable).
type Trace struct {
	Proto  Protocol
	Addr   netip.Addr
	Probes int
	Limit  int
	Expiry time.Duration
}

// Tracer owns the IPv4 and IPv6 sockets a sweep sends probes through
// and the background receive loops that decode their replies.
type Tracer struct {
	table  *demux.Table[demux.Key]
	ports  *demux.Table[uint16]
	route4 *bind.RouteSocket
	route6 *bind.RouteSocket
	sock4  *sock4
	sock6  *sock6
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewTracer opens the sockets a sweep needs and starts their background
// receive loops. b pins the source address trace resolves its route
// from; it does not bind the raw sockets themselves, mirroring how
// knock lets IP_HDRINCL and the kernel pick the outbound path.
func NewTracer(ctx context.Context, b *bind.Bind) (*Tracer, error) {
	table := demux.NewTable[demux.Key]()

	s4, err := newSock4(table)
	if err != nil {
		return nil, err
	}
	s6, err := newSock6(table)
	if err != nil {
		s4.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	group, _ := errgroup.WithContext(ctx)
	group.Go(s4.recvICMP)
	group.Go(s4.recvTCP)
	group.Go(s6.recvICMP)
	group.Go(s6.recvTCP)

	return &Tracer{
		table:  table,
		ports:  demux.NewTable[uint16](),
		route4: bind.NewRouteSocket(b.SA4()),
		route6: bind.NewRouteSocket(b.SA6()),
		sock4:  s4,
		sock6:  s6,
		group:  group,
		cancel: cancel,
	}, nil
}

// Close stops the receive loops and releases every socket.
func (t *Tracer) Close() error {
	t.cancel()
	err4 := t.sock4.close()
	err6 := t.sock6.close()
	if werr := t.group.Wait(); werr != nil {
		probelog.L().Debugw("trace receive loop exited with error", "error", werr)
	}
	if err4 != nil {
		return err4
	}
	return err6
}

// Route runs one ttl sweep and returns each ttl's probe attempts in
// order. A ttl's attempts stop as soon as Probes have been sent; the
// whole sweep stops once any attempt reports Terminal, or its
// responding address matches cfg.Addr.
func (t *Tracer) Route(ctx context.Context, cfg Trace) ([][]Node, error) {
	dst := netip.AddrPortFrom(cfg.Addr, cfg.Proto.Port)

	srcIP, err := t.source(ctx, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("trace: resolve source address: %w", err)
	}

	src := netip.AddrPortFrom(srcIP, 0)
	if cfg.Proto.Kind != KindICMP {
		// A TCP or UDP sweep needs one ephemeral port reserved for its
		// entire run, unlike knock's per-attempt reservation: the sweep
		// is sequential and single-owner, so there is no concurrent
		// demand for the port to free up between attempts.
		portLease, _, err := demux.Reserve(ctx, t.ports, 0, demux.RandomPort)
		if err != nil {
			return nil, fmt.Errorf("trace: reserve ephemeral port: %w", err)
		}
		defer portLease.Release()
		src = netip.AddrPortFrom(srcIP, portLease.Key())
	}

	probe := &Probe{
		Kind: cfg.Proto.Kind,
		Src:  src,
		Dst:  dst,
		ID:   demux.RandomID(),
		Seq:  demux.RandomID(),
		Ack:  demux.RandomSeq32(),
	}

	// ICMP and TCP keys never change across the sweep (Increment only
	// touches Seq/Ack, not the fields Key reads), so one reservation
	// covers every ttl. UDP's key is its destination port, which
	// Increment advances every attempt, so it is reserved fresh each time
	// inside attempt instead.
	var replyCh chan demux.Reply
	if probe.Kind != KindUDP {
		lease, ch, err := demux.Reserve(ctx, t.table, cfg.Probes, func() demux.Key { return probe.Key() })
		if err != nil {
			return nil, fmt.Errorf("trace: reserve reply key: %w", err)
		}
		defer lease.Release()
		replyCh = ch
	}

	var hops [][]Node
	for ttl := 1; ttl <= cfg.Limit; ttl++ {
		nodes := make([]Node, 0, cfg.Probes)
		reachedTarget := false

		for i := 0; i < cfg.Probes; i++ {
			select {
			case <-ctx.Done():
				return hops, ctx.Err()
			default:
			}

			node, err := t.attempt(ctx, probe, ttl, cfg.Expiry, replyCh)
			if err != nil {
				return hops, err
			}
			nodes = append(nodes, node)
			if node.Reached && (node.Terminal || node.Addr == cfg.Addr) {
				reachedTarget = true
			}
			probe.Increment()
		}

		hops = append(hops, nodes)
		if reachedTarget {
			break
		}
	}

	return hops, nil
}

// attempt sends one probe at ttl and waits up to expiry for its reply.
// ch is nil for UDP probes, which reserve and release their own
// per-attempt key instead of sharing one across the sweep.
func (t *Tracer) attempt(ctx context.Context, probe *Probe, ttl int, expiry time.Duration, ch chan demux.Reply) (Node, error) {
	if probe.Kind == KindUDP {
		lease, udpCh, err := demux.Reserve(ctx, t.table, 1, func() demux.Key { return probe.Key() })
		if err != nil {
			return Node{}, fmt.Errorf("trace: reserve udp reply key: %w", err)
		}
		defer lease.Release()
		ch = udpCh
	}

	var sent time.Time
	var err error
	if probe.Dst.Addr().Is4() {
		sent, err = t.sock4.send(probe, ttl)
	} else {
		sent, err = t.sock6.send(probe, ttl)
	}
	if err != nil {
		return Node{}, err
	}

	timer := time.NewTimer(expiry)
	defer timer.Stop()

	select {
	case reply := <-ch:
		rtt := reply.Arrival.Sub(sent)
		if rtt < 0 {
			rtt = 0
		}
		return Node{TTL: ttl, Reached: true, Addr: reply.Source, RTT: rtt, Terminal: reply.Terminal}, nil
	case <-timer.C:
		return Node{TTL: ttl, Reached: false}, nil
	case <-ctx.Done():
		return Node{}, ctx.Err()
	}
}

// routeProbePort is an arbitrary nonzero port used only to make a
// routing-table lookup connect; no datagram is ever sent on it.
const routeProbePort = 1

func (t *Tracer) source(ctx context.Context, dst netip.Addr) (netip.Addr, error) {
	if dst.Is4() {
		return t.route4.Source(ctx, netip.AddrPortFrom(dst, routeProbePort))
	}
	return t.route6.Source(ctx, netip.AddrPortFrom(dst, routeProbePort))
}
