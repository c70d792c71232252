package ping

import (
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/kentik/netdiag/internal/demux"
)

// Probe is a single outstanding echo request: one random token, sent
// once, matched against exactly one reply.
type Probe struct {
	Addr  netip.Addr
	ID    uint16
	Seq   uint16
	Token demux.Token
	Size  int
}

// NewProbe builds a probe addressed to addr with a freshly drawn token.
func NewProbe(addr netip.Addr, id, seq uint16, size int) Probe {
	return Probe{Addr: addr, ID: id, Seq: seq, Token: demux.RandomToken(), Size: size}
}

// payload pads the probe's token out to size bytes so the echo request
// carries a predictable wire length even though only the leading 16
// bytes are ever inspected on the way back.
func (p Probe) payload() []byte {
	n := p.Size
	if n < len(p.Token) {
		n = len(p.Token)
	}
	buf := make([]byte, n)
	copy(buf, p.Token[:])
	return buf
}

// Encode marshals the probe into an ICMP (v4) or ICMPv6 echo request.
// For v6, checksum is left for the kernel to fill via the socket's
// IPV6_CHECKSUM option rather than computed here, since it covers a
// pseudo-header this layer doesn't have visibility into.
func (p Probe) Encode() ([]byte, error) {
	var typ icmp.Type
	var psh []byte
	if p.Addr.Is4() {
		typ = ipv4.ICMPTypeEcho
	} else {
		typ = ipv6.ICMPTypeEchoRequest
	}

	msg := &icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(p.ID),
			Seq:  int(p.Seq),
			Data: p.payload(),
		},
	}

	b, err := msg.Marshal(psh)
	if err != nil {
		return nil, fmt.Errorf("ping: encode probe: %w", err)
	}
	return b, nil
}

// tokenFromEcho extracts the token a reply's echo body is carrying,
// provided it carried at least one full token's worth of data.
func tokenFromEcho(echo *icmp.Echo) (demux.Token, bool) {
	var tok demux.Token
	if len(echo.Data) < len(tok) {
		return tok, false
	}
	copy(tok[:], echo.Data[:len(tok)])
	return tok, true
}
