// Package wire implements wire-exact encoding and decoding of the packet
// headers the probe engines need: raw IPv4 headers (for IP_HDRINCL
// sends), TCP SYN headers, and the UDP header fragments that show up
// truncated inside ICMP error citations.
//
// ICMPv4/ICMPv6 message framing itself is left to golang.org/x/net/icmp,
// the same package the teacher tool already builds on.
package wire

// Checksum computes the Internet checksum (RFC 1071): a one's-complement
// sum over 16-bit big-endian words with carry fold, then complemented.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderV4 builds the IPv4 pseudo-header used when checksumming a
// TCP or UDP segment: src(4) dst(4) zero(1) protocol(1) length(2).
func PseudoHeaderV4(src, dst [4]byte, protocol uint8, length int) []byte {
	h := make([]byte, 12)
	copy(h[0:4], src[:])
	copy(h[4:8], dst[:])
	h[8] = 0
	h[9] = protocol
	h[10] = byte(length >> 8)
	h[11] = byte(length)
	return h
}
