//go:build linux

package quicgo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// listenUDP binds a UDP socket at laddr. With share, SO_REUSEADDR and
// SO_REUSEPORT let later sockets bind the same address.
func listenUDP(ctx context.Context, laddr netip.AddrPort, share bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if share {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			return setShareOpts(c)
		}
	}

	pc, err := lc.ListenPacket(ctx, udpNetwork(laddr), laddr.String())
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("listen UDP %s: %w: %w", laddr, transport.ErrAddressInUse, err)
		}
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	return asUDPConn(pc, laddr)
}

// setShareOpts sets the address sharing options via the Control callback.
func setShareOpts(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		sockErr = applyShareOpts(int(fd))
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

func applyShareOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("set SO_REUSEPORT: %w", err)
	}
	return nil
}
