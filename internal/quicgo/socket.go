package quicgo

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrUnexpectedConnType indicates net.ListenPacket returned something
// other than *net.UDPConn.
var ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

// udpNetwork pins the socket to the address family of laddr.
func udpNetwork(laddr netip.AddrPort) string {
	if laddr.Addr().Is4() {
		return "udp4"
	}
	return "udp6"
}

func asUDPConn(pc net.PacketConn, laddr netip.AddrPort) (*net.UDPConn, error) {
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(
			fmt.Errorf("listen UDP %s: %w", laddr, ErrUnexpectedConnType),
			closeErr,
		)
	}
	return conn, nil
}

// addrPortOf converts a net.Addr reported by a socket or quic-go.
func addrPortOf(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}
