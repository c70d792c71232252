// Package ping sends ICMP echo requests and reports their round-trip
// time, matching each reply to its request through a shared token
// rather than relying on the kernel's own echo-id/sequence pairing
// (which several pingers running in the same process could collide on).
package ping

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

// Ping describes one ping run: count echoes sent to addr, each request
// waiting up to expiry for its reply before counting as a loss.
type Ping struct {
	Addr   netip.Addr
	Count  int
	Expiry time.Duration
	Size   int
}

// Result is one echo's outcome: RTT is nil on timeout.
type Result struct {
	Seq int
	RTT *time.Duration
	Err error
}

// Pinger owns the IPv4 and IPv6 raw ICMP sockets and their background
// receive loops, and demultiplexes inbound echo replies to whichever
// in-flight probe reserved the matching token.
type Pinger struct {
	table  *demux.Table[demux.Token]
	sock4  *sock4
	sock6  *sock6
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewPinger opens the IPv4 and IPv6 ICMP sockets bound per b and starts
// their background receive loops.
func NewPinger(ctx context.Context, b *bind.Bind) (*Pinger, error) {
	table := demux.NewTable[demux.Token]()

	s4, err := newSock4(b, table)
	if err != nil {
		return nil, err
	}
	s6, err := newSock6(b, table)
	if err != nil {
		s4.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	group, _ := errgroup.WithContext(ctx)
	group.Go(s4.recv)
	group.Go(s6.recv)

	return &Pinger{table: table, sock4: s4, sock6: s6, group: group, cancel: cancel}, nil
}

// Close stops the receive loops and releases both sockets.
func (p *Pinger) Close() error {
	p.cancel()
	err4 := p.sock4.close()
	err6 := p.sock6.close()
	if werr := p.group.Wait(); werr != nil {
		probelog.L().Debugw("ping receive loop exited with error", "error", werr)
	}
	if err4 != nil {
		return err4
	}
	return err6
}

// Ping sends Count echoes to ping.Addr in sequence, one at a time, and
// streams each result as it resolves. The returned channel is closed
// once every probe has completed or ctx is cancelled.
func (p *Pinger) Ping(ctx context.Context, ping Ping) <-chan Result {
	out := make(chan Result)

	go func() {
		defer close(out)

		for seq := 0; seq < ping.Count; seq++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			rtt, err := p.probe(ctx, ping, seq)
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

func (p *Pinger) probe(ctx context.Context, ping Ping, seq int) (*time.Duration, error) {
	probe := NewProbe(ping.Addr, demux.RandomID(), uint16(seq), ping.Size)

	lease, ch, err := demux.Reserve(ctx, p.table, 1, func() demux.Token { return demux.RandomToken() })
	if err != nil {
		return nil, fmt.Errorf("ping: reserve token: %w", err)
	}
	defer lease.Release()
	probe.Token = lease.Key()

	var sent time.Time
	if probe.Addr.Is4() {
		sent, err = p.sock4.send(probe)
	} else {
		sent, err = p.sock6.send(probe)
	}
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(ping.Expiry)
	defer timer.Stop()

	select {
	case reply := <-ch:
		rtt := reply.Arrival.Sub(sent)
		if rtt < 0 {
			rtt = 0
		}
		return &rtt, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
