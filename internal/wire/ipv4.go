package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"runtime"
)

// IPv4HeaderLen is the size of a header-option-free IPv4 header.
const IPv4HeaderLen = 20

// IPv4Header is the subset of RFC 791 fields the probe engines need to
// build (for IP_HDRINCL sends) or read back (from ICMP error citations).
type IPv4Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      netip.Addr
	Dst      netip.Addr
}

// Marshal encodes h followed by payload into a complete IPv4 packet
// suitable for a raw socket with IP_HDRINCL set.
//
// On macOS the kernel expects ip_len and ip_off in host byte order and
// recomputes ip_sum itself, so the checksum is zeroed and the length
// field left native-endian when darwin is the target; every other
// platform gets the wire-correct big-endian encoding with the checksum
// filled in.
func (h *IPv4Header) Marshal(payload []byte) ([]byte, error) {
	if !h.Src.Is4() || !h.Dst.Is4() {
		return nil, errors.New("wire: IPv4Header requires IPv4 addresses")
	}

	total := IPv4HeaderLen + len(payload)
	buf := make([]byte, total)

	buf[0] = 0x45 // version 4, IHL 5 (no options)
	buf[1] = h.TOS

	if runtime.GOOS == "darwin" {
		binary.NativeEndian.PutUint16(buf[2:4], uint16(total))
	} else {
		binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	}

	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	// flags/fragment offset left zero: these probes are never fragmented.
	buf[8] = h.TTL
	buf[9] = h.Protocol

	src4 := h.Src.As4()
	dst4 := h.Dst.As4()
	copy(buf[12:16], src4[:])
	copy(buf[16:20], dst4[:])

	if runtime.GOOS != "darwin" {
		binary.BigEndian.PutUint16(buf[10:12], Checksum(buf[:IPv4HeaderLen]))
	}

	copy(buf[IPv4HeaderLen:], payload)
	return buf, nil
}

// ParseIPv4Header decodes the header at the front of b and returns the
// header plus the remaining transport-layer tail. It accepts a citation
// shorter than the declared total length, since ICMP error payloads are
// routinely truncated to a handful of bytes past the IP header.
func ParseIPv4Header(b []byte) (IPv4Header, []byte, error) {
	if len(b) < IPv4HeaderLen {
		return IPv4Header{}, nil, errors.New("wire: short IPv4 header")
	}

	ihl := int(b[0]&0x0f) * 4
	if ihl < IPv4HeaderLen || len(b) < ihl {
		ihl = IPv4HeaderLen
	}

	h := IPv4Header{
		TOS:      b[1],
		TotalLen: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		TTL:      b[8],
		Protocol: b[9],
		Checksum: binary.BigEndian.Uint16(b[10:12]),
		Src:      netip.AddrFrom4([4]byte(b[12:16])),
		Dst:      netip.AddrFrom4([4]byte(b[16:20])),
	}

	return h, b[ihl:], nil
}
