package quicgo

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/dantte-lp/quicmig/internal/transport"
)

type connState uint8

const (
	stateIdle connState = iota
	stateStarting
	stateConnected
	stateClosed
)

// Conn is one endpoint of a quic-go connection.
type Conn struct {
	stack   *Stack
	cfg     transport.Config
	handler transport.Handler
	server  bool
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     connState
	requested netip.AddrPort
	share     bool
	settings  transport.Settings
	udp       *net.UDPConn
	local     netip.AddrPort
	remote    netip.AddrPort
	qc        quic.Connection
}

func newConn(s *Stack, cfg transport.Config, h transport.Handler, server bool) *Conn {
	role := "client"
	if server {
		role = "server"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		stack:    s,
		cfg:      cfg,
		handler:  h,
		server:   server,
		logger:   s.logger.With(slog.String("role", role)),
		ctx:      ctx,
		cancel:   cancel,
		settings: transport.Settings{KeepAlive: cfg.KeepAlive},
	}
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Start implements transport.Connection. The socket is bound before Start
// returns; the handshake completes asynchronously with EventConnected.
func (c *Conn) Start(ctx context.Context, family transport.Family, remote netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if !family.Valid() || !remote.IsValid() || transport.FamilyOf(remote) != family {
		return fmt.Errorf("start %s toward %s: %w", family, remote, transport.ErrInvalidParameter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server || c.state != stateIdle || c.ctx.Err() != nil {
		return fmt.Errorf("start: %w", transport.ErrInvalidState)
	}

	base := c.requested
	if !base.IsValid() {
		base = netip.AddrPortFrom(family.Loopback(), 0)
	}
	if transport.FamilyOf(base) != family {
		return fmt.Errorf("start: local %s: %w", base, transport.ErrInvalidParameter)
	}

	udp, err := listenUDP(ctx, base, c.share)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	c.udp = udp
	c.local = addrPortOf(udp.LocalAddr())
	c.remote = remote
	c.state = stateStarting

	qconf := c.stack.quicConfig(c.settings.KeepAlive, c.settings.PeerBidiStreamCount)
	c.stack.wg.Add(1)
	go c.dial(qconf)
	return nil
}

func (c *Conn) dial(qconf *quic.Config) {
	defer c.stack.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.stack.handshakeTimeout)
	qc, err := quic.Dial(ctx, c.udp, net.UDPAddrFromAddrPort(c.remote), c.stack.clientTLS, qconf)
	cancel()
	if err != nil {
		c.logger.Warn("handshake failed",
			slog.String("remote", c.remote.String()),
			slog.String("error", err.Error()),
		)
		c.finish()
		return
	}

	c.serve(qc)
}

// serve runs an established connection until it closes.
func (c *Conn) serve(qc quic.Connection) {
	c.mu.Lock()
	c.qc = qc
	c.state = stateConnected
	c.remote = addrPortOf(qc.RemoteAddr())
	if c.server {
		c.local = addrPortOf(qc.LocalAddr())
	}
	c.mu.Unlock()

	c.logger.Debug("connected",
		slog.String("local", c.LocalAddr().String()),
		slog.String("remote", c.RemoteAddr().String()),
	)
	c.emit(transport.Event{Type: transport.EventConnected})

	c.stack.wg.Add(1)
	go c.acceptStreams(qc)

	select {
	case <-qc.Context().Done():
	case <-c.ctx.Done():
		_ = qc.CloseWithError(0, "closed")
		<-qc.Context().Done()
	}
	c.finish()
}

func (c *Conn) acceptStreams(qc quic.Connection) {
	defer c.stack.wg.Done()

	for {
		st, err := qc.AcceptStream(qc.Context())
		if err != nil {
			return
		}
		c.emit(transport.Event{Type: transport.EventPeerStreamStarted, Stream: &stream{st: st}})
	}
}

// finish releases the socket and delivers EventShutdownComplete once.
func (c *Conn) finish() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	udp := c.udp
	c.mu.Unlock()

	if udp != nil {
		if err := udp.Close(); err != nil {
			c.logger.Debug("close socket", slog.String("error", err.Error()))
		}
	}
	c.stack.forget(c)
	c.emit(transport.Event{Type: transport.EventShutdownComplete})
}

func (c *Conn) emit(ev transport.Event) {
	ev.Conn = c
	if c.handler != nil {
		c.handler.HandleEvent(ev)
	}
}

// Shutdown implements transport.Connection.
func (c *Conn) Shutdown(code uint64) error {
	c.mu.Lock()
	qc := c.qc
	c.mu.Unlock()

	if qc == nil {
		return fmt.Errorf("shutdown: %w", transport.ErrInvalidState)
	}
	if err := qc.CloseWithError(quic.ApplicationErrorCode(code), "shutdown"); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close implements transport.Connection. A started connection finishes
// asynchronously.
func (c *Conn) Close() error {
	c.cancel()

	c.mu.Lock()
	idle := c.state == stateIdle
	if idle {
		c.state = stateClosed
	}
	c.mu.Unlock()

	if idle {
		c.stack.forget(c)
	}
	return nil
}

// -------------------------------------------------------------------------
// Addresses and Settings
// -------------------------------------------------------------------------

// LocalAddr implements transport.Connection.
func (c *Conn) LocalAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteAddr implements transport.Connection.
func (c *Conn) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// SetLocalAddr implements transport.Connection.
func (c *Conn) SetLocalAddr(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server || c.state != stateIdle {
		return fmt.Errorf("set local address: %w", transport.ErrInvalidState)
	}
	if !addr.IsValid() {
		return fmt.Errorf("set local address %s: %w", addr, transport.ErrInvalidParameter)
	}
	c.requested = addr
	return nil
}

// Settings implements transport.Connection.
func (c *Conn) Settings() transport.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings implements transport.Connection. quic-go fixes its config at
// dial time, so settings can only change before Start.
func (c *Conn) SetSettings(s transport.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateIdle && s != c.settings {
		return fmt.Errorf("settings after start: %w", transport.ErrNotSupported)
	}
	c.settings = s
	return nil
}

// Statistics implements transport.Connection. quic-go exposes no packet
// counters; the snapshot is always zero.
func (c *Conn) Statistics() transport.Statistics {
	return transport.Statistics{}
}

// SetShareBinding implements transport.Connection.
func (c *Conn) SetShareBinding(share bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server || c.state != stateIdle {
		return fmt.Errorf("share binding: %w", transport.ErrInvalidState)
	}
	c.share = share
	return nil
}

// -------------------------------------------------------------------------
// Paths and Streams
// -------------------------------------------------------------------------

// AddPath implements transport.Connection.
func (c *Conn) AddPath(p transport.Path) error {
	return fmt.Errorf("add path %s: %w", p, transport.ErrNotSupported)
}

// ActivatePath implements transport.Connection.
func (c *Conn) ActivatePath(p transport.Path) error {
	return fmt.Errorf("activate path %s: %w", p, transport.ErrNotSupported)
}

// RemovePath implements transport.Connection.
func (c *Conn) RemovePath(p transport.Path) error {
	return fmt.Errorf("remove path %s: %w", p, transport.ErrNotSupported)
}

// AddBoundAddr implements transport.Connection.
func (c *Conn) AddBoundAddr(addr netip.AddrPort) error {
	return fmt.Errorf("add bound address %s: %w", addr, transport.ErrNotSupported)
}

// GenerateConnID implements transport.Connection.
func (c *Conn) GenerateConnID() error {
	return fmt.Errorf("generate connection id: %w", transport.ErrNotSupported)
}

// OpenStream implements transport.Connection.
func (c *Conn) OpenStream() (transport.Stream, error) {
	c.mu.Lock()
	qc := c.qc
	c.mu.Unlock()

	if qc == nil {
		return nil, fmt.Errorf("open stream: %w", transport.ErrInvalidState)
	}
	st, err := qc.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &stream{st: st}, nil
}

// stream adapts a quic-go stream.
type stream struct {
	st quic.Stream
}

func (s *stream) ID() uint64 { return uint64(s.st.StreamID()) }

// Close aborts the read side and closes the write side.
func (s *stream) Close() error {
	s.st.CancelRead(0)
	return s.st.Close()
}
