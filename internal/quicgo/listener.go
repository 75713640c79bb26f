package quicgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// Listener accepts quic-go connections on one UDP socket.
type Listener struct {
	stack   *Stack
	cfg     transport.Config
	handler transport.Handler
	logger  *slog.Logger

	mu      sync.Mutex
	udp     *net.UDPConn
	ql      *quic.Listener
	local   netip.AddrPort
	started bool
	closed  bool
}

// Start implements transport.Listener.
func (l *Listener) Start(ctx context.Context, local netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("listener start: %w", err)
	}
	if !local.IsValid() {
		return fmt.Errorf("listener start %s: %w", local, transport.ErrInvalidParameter)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started || l.closed {
		return fmt.Errorf("listener start: %w", transport.ErrInvalidState)
	}

	udp, err := listenUDP(ctx, local, false)
	if err != nil {
		return fmt.Errorf("listener start: %w", err)
	}

	ql, err := quic.Listen(udp, l.stack.serverTLS, l.stack.quicConfig(l.cfg.KeepAlive, 0))
	if err != nil {
		closeErr := udp.Close()
		return errors.Join(fmt.Errorf("listener start: %w", err), closeErr)
	}

	l.udp = udp
	l.ql = ql
	l.local = addrPortOf(udp.LocalAddr())
	l.started = true

	l.stack.wg.Add(1)
	go l.accept(ql)

	l.logger.Debug("listening", slog.String("local", l.local.String()))
	return nil
}

func (l *Listener) accept(ql *quic.Listener) {
	defer l.stack.wg.Done()

	for {
		qc, err := ql.Accept(context.Background())
		if err != nil {
			return
		}

		c := newConn(l.stack, l.cfg, l.handler, true)
		if !l.stack.track(c) {
			_ = qc.CloseWithError(0, "stack closed")
			return
		}

		l.stack.wg.Add(1)
		go func() {
			defer l.stack.wg.Done()
			c.serve(qc)
		}()
	}
}

// LocalAddr implements transport.Listener.
func (l *Listener) LocalAddr() netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local
}

// Close implements transport.Listener. Accepted connections stay open
// until closed themselves or by the stack.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ql, udp := l.ql, l.udp
	l.mu.Unlock()

	l.stack.forgetListener(l)

	var errs []error
	if ql != nil {
		if err := ql.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close quic listener: %w", err))
		}
	}
	if udp != nil {
		if err := udp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
	}
	return errors.Join(errs...)
}
