package simnet

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// Listener accepts simulated connections on one address.
type Listener struct {
	net     *Network
	cfg     transport.Config
	handler transport.Handler

	// Guarded by net.mu.
	local    netip.AddrPort
	started  bool
	closed   bool
	accepted map[uint64]*Conn
}

// Start implements transport.Listener. A zero port picks an ephemeral one.
func (l *Listener) Start(ctx context.Context, local netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("listener start: %w", err)
	}
	if !local.IsValid() {
		return fmt.Errorf("listener start %s: %w", local, transport.ErrInvalidParameter)
	}

	l.net.mu.Lock()
	started, closed := l.started, l.closed
	l.net.mu.Unlock()
	if started || closed {
		return fmt.Errorf("listener start: %w", transport.ErrInvalidState)
	}

	addr, err := l.net.bind(local, &socket{listener: l})
	if err != nil {
		return fmt.Errorf("listener start: %w", err)
	}

	l.net.mu.Lock()
	l.local = addr
	l.started = true
	l.net.mu.Unlock()
	return nil
}

// LocalAddr implements transport.Listener.
func (l *Listener) LocalAddr() netip.AddrPort {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	return l.local
}

// Close implements transport.Listener. Accepted connections stay up.
func (l *Listener) Close() error {
	l.net.mu.Lock()
	if l.closed {
		l.net.mu.Unlock()
		return nil
	}
	l.closed = true
	local, started := l.local, l.started
	l.net.mu.Unlock()

	if started {
		l.net.unbindListener(l, local)
	}
	return nil
}

// accept hands an INITIAL to its server connection, creating it on first
// sight of the client connection ID.
func (l *Listener) accept(p *packet) {
	n := l.net

	n.mu.Lock()
	if n.closed || l.closed {
		n.mu.Unlock()
		return
	}
	c, ok := l.accepted[p.srcConn]
	if !ok {
		n.nextConn++
		c = newConn(n, n.nextConn, l.cfg, l.handler, true)
		c.state = stateHandshaking
		c.usable[p.dst] = struct{}{}
		n.conns[c.id] = c
		l.accepted[p.srcConn] = c
		n.wg.Add(1)
		go c.run()
	}
	n.mu.Unlock()

	c.inbox.push(item{pkt: p})
}

// Stream is a simulated stream handle.
type Stream struct {
	id     uint64
	closed atomic.Bool
}

// ID implements transport.Stream.
func (s *Stream) ID() uint64 { return s.id }

// Close implements transport.Stream.
func (s *Stream) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.closed.Load() }
