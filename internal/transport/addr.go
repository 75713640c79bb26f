package transport

import (
	"fmt"
	"net/netip"
	"runtime"
)

// -------------------------------------------------------------------------
// Address Family
// -------------------------------------------------------------------------

// Family is the IP address family of a connection.
type Family uint8

const (
	// FamilyV4 selects IPv4.
	FamilyV4 Family = 4
	// FamilyV6 selects IPv6.
	FamilyV6 Family = 6
)

// Families lists every supported family in test order.
var Families = []Family{FamilyV4, FamilyV6}

// String returns "v4" or "v6".
func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// Loopback returns the loopback address of the family.
func (f Family) Loopback() netip.Addr {
	if f == FamilyV6 {
		return netip.IPv6Loopback()
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}

// Valid reports whether f is FamilyV4 or FamilyV6.
func (f Family) Valid() bool {
	return f == FamilyV4 || f == FamilyV6
}

// ParseFamily maps 4 / 6 (or "v4" / "v6") to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "4", "v4", "ipv4":
		return FamilyV4, nil
	case "6", "v6", "ipv6":
		return FamilyV6, nil
	default:
		return 0, fmt.Errorf("family %q: %w", s, ErrInvalidParameter)
	}
}

// FamilyOf returns the family of an address.
func FamilyOf(addr netip.AddrPort) Family {
	if addr.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// -------------------------------------------------------------------------
// Path Descriptor
// -------------------------------------------------------------------------

// Path is a (local, remote) address pair as seen from one endpoint.
type Path struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// Equal reports structural equality of both addresses.
func (p Path) Equal(o Path) bool {
	return AddrEqual(p.Local, o.Local) && AddrEqual(p.Remote, o.Remote)
}

// Reverse returns the same path as seen from the peer.
func (p Path) Reverse() Path {
	return Path{Local: p.Remote, Remote: p.Local}
}

// String formats the path as "local->remote".
func (p Path) String() string {
	return p.Local.String() + "->" + p.Remote.String()
}

// AddrEqual compares family, address and port. An IPv4 address never equals
// its IPv4-mapped IPv6 form.
func AddrEqual(a, b netip.AddrPort) bool {
	return a == b
}

// WithPort returns addr with its port replaced.
func WithPort(addr netip.AddrPort, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr(), port)
}

// -------------------------------------------------------------------------
// Platform
// -------------------------------------------------------------------------

// Platform selects the socket-sharing semantics a stack emulates or runs on.
type Platform uint8

const (
	// PlatformPosix permits a shared binding to reuse a local address
	// toward a new remote.
	PlatformPosix Platform = iota + 1
	// PlatformWindows rejects any second use of a bound local address.
	PlatformWindows
)

// String returns "posix" or "windows".
func (p Platform) String() string {
	switch p {
	case PlatformPosix:
		return "posix"
	case PlatformWindows:
		return "windows"
	default:
		return fmt.Sprintf("Platform(%d)", uint8(p))
	}
}

// ParsePlatform maps "posix", "windows" or "host" to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "posix", "linux", "darwin":
		return PlatformPosix, nil
	case "windows":
		return PlatformWindows, nil
	case "", "host":
		return HostPlatform(), nil
	default:
		return 0, fmt.Errorf("platform %q: %w", s, ErrInvalidParameter)
	}
}

// HostPlatform returns the platform of the running binary.
func HostPlatform() Platform {
	if runtime.GOOS == "windows" {
		return PlatformWindows
	}
	return PlatformPosix
}
