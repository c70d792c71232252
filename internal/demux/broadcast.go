package demux

import "sync"

// Broadcast is a fan-out key→subscribers registry. Unlike Table, more
// than one waiter may subscribe under the same Key at once: the knock
// engine subscribes each attempt under its (src, dst) Key, and every
// subscriber currently registered under a Key sees a matching reply. I1's "at most one entry per Key" still holds here —
// the map holds one broadcaster slot per Key, which then fans out to
// however many subscribers are currently registered under it.
type Broadcast[K comparable] struct {
	mu sync.Mutex
	m  map[K][]chan Reply
}

// NewBroadcast constructs an empty Broadcast registry.
func NewBroadcast[K comparable]() *Broadcast[K] {
	return &Broadcast[K]{m: make(map[K][]chan Reply)}
}

// Subscribe registers a new reply channel of the given buffer size
// under key and returns it along with a cancel function that
// unregisters it. The cancel function removes the Key entirely once
// the last subscriber for it unsubscribes (I3: no tombstone phase).
func (b *Broadcast[K]) Subscribe(key K, buf int) (chan Reply, func()) {
	ch := make(chan Reply, buf)

	b.mu.Lock()
	b.m[key] = append(b.m[key], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.m[key]
		for i, sub := range subs {
			if sub == ch {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(b.m, key)
		} else {
			b.m[key] = subs
		}
	}

	return ch, cancel
}

// Publish delivers r to every subscriber currently registered under
// key and reports how many received it. Delivery is non-blocking: a
// subscriber that isn't ready to receive (its buffer is full, or
// it already unsubscribed a moment ago) is skipped rather than
// stalling the receive loop.
func (b *Broadcast[K]) Publish(key K, r Reply) int {
	b.mu.Lock()
	subs := append([]chan Reply(nil), b.m[key]...)
	b.mu.Unlock()

	delivered := 0
	for _, ch := range subs {
		select {
		case ch <- r:
			delivered++
		default:
		}
	}
	return delivered
}
