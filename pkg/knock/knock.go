// Package knock sends a single TCP SYN at a host:port and reports
// whether (and how fast) a SYN+ACK comes back, without ever completing
// the three-way handshake: the reply is inspected and dropped, never
// ACKed.
package knock

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

// queueDepth is the bounded channel size a knock probe's reply queue
// is given: several inbound segments (retransmitted SYN+ACKs, a
// trailing RST) can arrive for one probe before it stops listening.
const queueDepth = 10

// Knock describes one knock run: count probes at addr:port, each
// waiting up to expiry for a SYN+ACK.
type Knock struct {
	Addr   netip.Addr
	Port   uint16
	Count  int
	Expiry time.Duration
}

// Result is one probe's outcome; RTT is nil on timeout.
type Result struct {
	Seq int
	RTT *time.Duration
	Err error
}

// Knocker owns the IPv4 and IPv6 raw TCP sockets and their background
// receive loops.
type Knocker struct {
	broadcast *demux.Broadcast[demux.Key]
	ports     *demux.Table[uint16]
	sock4     *sock4
	sock6     *sock6
	group     *errgroup.Group
	cancel    context.CancelFunc
}

// NewKnocker opens the IPv4 and IPv6 raw TCP sockets bound per b and
// starts their background receive loops.
func NewKnocker(ctx context.Context, b *bind.Bind) (*Knocker, error) {
	broadcast := demux.NewBroadcast[demux.Key]()

	s4, err := newSock4(b, broadcast)
	if err != nil {
		return nil, err
	}
	s6, err := newSock6(b, broadcast)
	if err != nil {
		s4.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s4.recv(gctx) })
	group.Go(func() error { return s6.recv(gctx) })

	return &Knocker{
		broadcast: broadcast,
		ports:     demux.NewTable[uint16](),
		sock4:     s4,
		sock6:     s6,
		group:     group,
		cancel:    cancel,
	}, nil
}

// Close stops the receive loops and releases both sockets.
func (k *Knocker) Close() error {
	k.cancel()
	err4 := k.sock4.close()
	err6 := k.sock6.close()
	if werr := k.group.Wait(); werr != nil {
		probelog.L().Debugw("knock receive loop exited with error", "error", werr)
	}
	if err4 != nil {
		return err4
	}
	return err6
}

// Knock sends Count SYN probes to knock.Addr:knock.Port in sequence and
// streams each result as it resolves. The ephemeral source port is
// released and redrawn on every iteration so a long-running knock never
// monopolizes the port space.
func (k *Knocker) Knock(ctx context.Context, knock Knock) <-chan Result {
	out := make(chan Result)

	go func() {
		defer close(out)

		dst := netip.AddrPortFrom(knock.Addr, knock.Port)

		for seq := 0; seq < knock.Count; seq++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			rtt, err := k.probe(ctx, dst, knock.Expiry)
			result := Result{Seq: seq, RTT: rtt, Err: err}

			select {
			case out <- result:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return out
}

// probe runs the knock engine's retries=1 policy: one reservation, one
// send, one wait. The loop shape is kept (rather than a plain if) so
// the retry count stays an obvious, adjustable constant.
func (k *Knocker) probe(ctx context.Context, dst netip.AddrPort, expiry time.Duration) (*time.Duration, error) {
	srcIP, err := k.source(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("knock: resolve source address: %w", err)
	}

	retries := 1
	for retries > 0 {
		retries--

		portLease, _, err := demux.Reserve(ctx, k.ports, 0, demux.RandomPort)
		if err != nil {
			return nil, fmt.Errorf("knock: reserve ephemeral port: %w", err)
		}
		src := netip.AddrPortFrom(srcIP, portLease.Key())

		rtt, ok, err := k.attempt(ctx, src, dst, expiry)
		portLease.Release()
		if err != nil {
			return nil, err
		}
		if ok {
			return &rtt, nil
		}
	}
	return nil, nil
}

func (k *Knocker) attempt(ctx context.Context, src, dst netip.AddrPort, expiry time.Duration) (time.Duration, bool, error) {
	key := demux.TCPKey(src, dst)
	ch, cancel := k.broadcast.Subscribe(key, queueDepth)
	defer cancel()

	probe := Probe{Src: src, Dst: dst, Seq: demux.RandomSeq32()}

	var sent time.Time
	var err error
	if dst.Addr().Is4() {
		sent, err = k.sock4.send(probe)
	} else {
		sent, err = k.sock6.send(probe)
	}
	if err != nil {
		return 0, false, err
	}

	timer := time.NewTimer(expiry)
	defer timer.Stop()

	for {
		select {
		case reply := <-ch:
			if reply.TCP == nil || !reply.TCP.SYN || !reply.TCP.ACK {
				continue
			}
			if reply.TCP.Ack != probe.Seq+1 {
				continue
			}
			rtt := reply.Arrival.Sub(sent)
			if rtt < 0 {
				rtt = 0
			}
			return rtt, true, nil
		case <-timer.C:
			return 0, false, nil
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
}

func (k *Knocker) source(ctx context.Context, dst netip.AddrPort) (netip.Addr, error) {
	if dst.Addr().Is4() {
		return k.sock4.source(ctx, dst)
	}
	return k.sock6.source(ctx, dst)
}
