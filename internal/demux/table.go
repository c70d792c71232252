package demux

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// PortMin and PortMax bound the ephemeral-port window port-keyed probes
// (knock, trace/TCP, trace/UDP) draw from: the traceroute convention
// that avoids well-known ports (I4).
const (
	PortMin uint16 = 33434
	PortMax uint16 = 65407
)

// Table is a single-owner key→channel registry: at most one waiter may
// hold a given key at a time (I1). It backs the ping engine (oneshot,
// buffer 1), the trace engine's reply keys, and the ephemeral source
// ports knock and trace reserve.
type Table[K comparable] struct {
	mu sync.Mutex
	m  map[K]chan Reply
}

// NewTable constructs an empty Table.
func NewTable[K comparable]() *Table[K] {
	return &Table[K]{m: make(map[K]chan Reply)}
}

// tryReserve inserts ch under key if the slot is vacant.
func (t *Table[K]) tryReserve(key K, ch chan Reply) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[key]; ok {
		return false
	}
	t.m[key] = ch
	return true
}

// Sender returns the channel registered for key, if any, without
// removing it. Background receive loops use this for delivery paths
// that may need to retry or that don't own single-shot semantics.
func (t *Table[K]) Sender(key K) (chan Reply, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.m[key]
	return ch, ok
}

// Remove evicts key and returns the channel that was registered, if
// any. Used both by Lease.Release (I3) and by single-shot receive paths
// (ping) that must remove the key before delivering, so a second
// inbound packet with the same token can never be misdelivered.
func (t *Table[K]) Remove(key K) (chan Reply, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.m[key]
	if ok {
		delete(t.m, key)
	}
	return ch, ok
}

// Lease is a scoped reservation of a Key (or Token) in a Table. Go has
// no destructors, so where the original design relies on a value's Drop
// running, callers here must `defer lease.Release()` themselves;
// Release is idempotent and safe to call more than once (a receive loop
// may already have removed the key by the time the caller's defer
// runs).
type Lease[K comparable] struct {
	table    *Table[K]
	key      K
	released atomic.Bool
}

// Key returns the reserved key.
func (l *Lease[K]) Key() K { return l.key }

// Release evicts the Key from the table. Safe to call multiple times
// and from a deferred call after the key has already been removed.
func (l *Lease[K]) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.table.Remove(l.key)
	}
}

// Reserve draws keys from gen until one lands on a vacant slot in t,
// registers a reply channel of the given buffer size under it, and
// returns the owning Lease plus the channel to read replies from.
//
// Between attempts it yields to the scheduler (runtime.Gosched) so a
// fast, unlucky reservation loop cannot starve the receive task that
// might be about to release the very key being retried.
func Reserve[K comparable](ctx context.Context, t *Table[K], buf int, gen func() K) (*Lease[K], chan Reply, error) {
	for {
		key := gen()
		ch := make(chan Reply, buf)
		if t.tryReserve(key, ch) {
			return &Lease[K]{table: t, key: key}, ch, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		runtime.Gosched()
	}
}

// RandomPort draws a port uniformly from [PortMin, PortMax].
func RandomPort() uint16 {
	return PortMin + uint16(rand.N(uint32(PortMax-PortMin+1)))
}

// RandomToken draws a fresh 16 unpredictable bytes for a ping probe's
// token, via uuid.New() rather than a hand-rolled random fill.
func RandomToken() Token {
	return Token(uuid.New())
}

// RandomID draws a random 16-bit ICMP identifier or TCP/UDP sequence
// seed.
func RandomID() uint16 {
	return uint16(rand.N(1 << 16))
}

// RandomSeq32 draws a random 32-bit TCP initial sequence number.
func RandomSeq32() uint32 {
	return rand.Uint32()
}
