package wire

import (
	"errors"
	"net/netip"
)

// ErrMixedFamily is the ConfigError spec.md §7 requires when a probe's
// source and destination addresses don't share one IP family: "mixed
// IPv4 and IPv6 addresses". Comparable with errors.Is, not wrapped with
// any per-call context, since the message itself is the contract.
var ErrMixedFamily = errors.New("mixed IPv4 and IPv6 addresses")

// ValidateFamily reports ErrMixedFamily if src and dst aren't both IPv4
// (or both IPv6). knock and trace probes build their Key from (src,
// dst) pairs that must agree on family before any wire encoding is
// attempted.
func ValidateFamily(src, dst netip.Addr) error {
	if src.Is4() != dst.Is4() {
		return ErrMixedFamily
	}
	return nil
}
