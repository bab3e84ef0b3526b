package transport

import (
	"fmt"
	"net/netip"
	"strings"
)

// IsLoopback reports whether ap points back at this host.
func IsLoopback(ap netip.AddrPort) bool { return ap.Addr().Unmap().IsLoopback() }

// IsPrivate reports whether ap is an RFC 1918 / RFC 4193 or link-local
// address.
func IsPrivate(ap netip.AddrPort) bool {
	a := ap.Addr().Unmap()
	return a.IsPrivate() || a.IsLinkLocalUnicast()
}

// IsV6 reports whether ap is a native IPv6 address (mapped IPv4 is not).
func IsV6(ap netip.AddrPort) bool { return ap.Addr().Unmap().Is6() }

// MaskAddr hides the middle of a public address for logs. Loopback and
// private addresses are shown unchanged.
//
//	203.0.113.7:7000       -> 203.x.x.7:7000
//	[2001:db8::1]:7000     -> [2001:x:1]:7000
func MaskAddr(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "<none>"
	}
	if IsLoopback(ap) || IsPrivate(ap) {
		return ap.String()
	}

	a := ap.Addr().Unmap()
	if a.Is4() {
		b := a.As4()
		return fmt.Sprintf("%d.x.x.%d:%d", b[0], b[3], ap.Port())
	}
	parts := strings.Split(a.String(), ":")
	return fmt.Sprintf("[%s:x:%s]:%d", parts[0], parts[len(parts)-1], ap.Port())
}
