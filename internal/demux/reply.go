package demux

import (
	"net/netip"
	"time"
)

// TCPInfo carries the handful of TCP header fields the knock engine
// needs to confirm an inbound segment is the SYN+ACK it is waiting for.
type TCPInfo struct {
	Seq, Ack      uint32
	SYN, ACK, RST bool
}

// Reply is the short-lived message a receive loop produces and a
// waiter consumes: one shot for ping, broadcast to every current
// subscriber for knock, and queued on the reserved key's channel for
// trace.
type Reply struct {
	// Arrival is recorded before any parsing happens, per I5.
	Arrival  time.Time
	Source   netip.Addr
	Terminal bool
	TCP      *TCPInfo
}
