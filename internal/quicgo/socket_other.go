//go:build !linux

package quicgo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// listenUDP binds a UDP socket at laddr. Shared binding is only
// implemented on Linux; elsewhere share is ignored.
func listenUDP(ctx context.Context, laddr netip.AddrPort, _ bool) (*net.UDPConn, error) {
	var lc net.ListenConfig

	pc, err := lc.ListenPacket(ctx, udpNetwork(laddr), laddr.String())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen UDP %s: %w: %w", laddr, transport.ErrAddressInUse, err)
		}
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	return asUDPConn(pc, laddr)
}
