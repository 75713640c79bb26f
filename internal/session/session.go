// Package session tracks one endpoint of a connection under test.
//
// A Session is the event handler of a transport connection. It turns
// asynchronous events into latch activations and records the addresses the
// events carry, so the scenario goroutine can wait on a latch and then read
// the guarded field.
package session

import (
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/dantte-lp/quicmig/internal/latch"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// Role is the side of the connection a Session observes.
type Role uint8

const (
	// RoleClient observes the connection initiator.
	RoleClient Role = iota + 1
	// RoleServer observes the accepted connection.
	RoleServer
)

// String returns "client" or "server".
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// connRef boxes the interface for atomic.Pointer.
type connRef struct {
	conn transport.Connection
}

// Session observes one connection endpoint.
//
// Fields written by HandleEvent are published before the corresponding
// latch is set; readers call the accessor only after a successful wait.
type Session struct {
	role   Role
	logger *slog.Logger

	bumpStreamLimit  bool
	closePeerStreams bool

	conn         atomic.Pointer[connRef]
	peerAddr     atomic.Pointer[netip.AddrPort]
	observedAddr atomic.Pointer[netip.AddrPort]
	bidiStreams  atomic.Uint32
	events       atomic.Uint64

	handshakeComplete  *latch.Latch
	shutdownComplete   *latch.Latch
	peerAddressChanged *latch.Latch
	streamCountChanged *latch.Latch
	observedAddress    *latch.Latch
}

// Option configures a Session.
type Option func(*Session)

// WithStreamLimitBump raises the peer's bidirectional stream limit by one on
// every peer address change, so the peer sees a StreamsAvailable event once
// the new path carries traffic.
func WithStreamLimitBump() Option {
	return func(s *Session) {
		s.bumpStreamLimit = true
	}
}

// WithPeerStreamClose closes every stream the peer opens.
func WithPeerStreamClose() Option {
	return func(s *Session) {
		s.closePeerStreams = true
	}
}

// WithLogger sets the logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConnection attaches a connection the caller created, before any
// event arrives.
func WithConnection(c transport.Connection) Option {
	return func(s *Session) {
		if c != nil {
			s.conn.Store(&connRef{conn: c})
		}
	}
}

// New creates a Session for role.
func New(role Role, opts ...Option) *Session {
	s := &Session{
		role:               role,
		logger:             slog.Default(),
		handshakeComplete:  latch.New(),
		shutdownComplete:   latch.New(),
		peerAddressChanged: latch.New(),
		streamCountChanged: latch.New(),
		observedAddress:    latch.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "session"), slog.String("role", role.String()))
	return s
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// Role returns the observed side.
func (s *Session) Role() Role { return s.role }

// Connection returns the connection, or nil before the first event and
// after shutdown completes.
func (s *Session) Connection() transport.Connection {
	if ref := s.conn.Load(); ref != nil {
		return ref.conn
	}
	return nil
}

// PeerAddress returns the address carried by the last PeerAddressChanged.
func (s *Session) PeerAddress() (netip.AddrPort, bool) {
	if p := s.peerAddr.Load(); p != nil {
		return *p, true
	}
	return netip.AddrPort{}, false
}

// ObservedAddress returns the address carried by the last ObservedAddress.
func (s *Session) ObservedAddress() (netip.AddrPort, bool) {
	if p := s.observedAddr.Load(); p != nil {
		return *p, true
	}
	return netip.AddrPort{}, false
}

// PeerBidiStreams returns the last stream limit reported by the peer.
func (s *Session) PeerBidiStreams() uint16 { return uint16(s.bidiStreams.Load()) }

// Events returns the number of events handled.
func (s *Session) Events() uint64 { return s.events.Load() }

// HandshakeComplete fires on Connected, or on shutdown.
func (s *Session) HandshakeComplete() *latch.Latch { return s.handshakeComplete }

// ShutdownComplete fires on the final event.
func (s *Session) ShutdownComplete() *latch.Latch { return s.shutdownComplete }

// PeerAddressChanged fires when the peer moves, or on shutdown.
func (s *Session) PeerAddressChanged() *latch.Latch { return s.peerAddressChanged }

// StreamCountChanged fires on StreamsAvailable, or on shutdown.
func (s *Session) StreamCountChanged() *latch.Latch { return s.streamCountChanged }

// ObservedAddressChanged fires on ObservedAddress, or on shutdown.
func (s *Session) ObservedAddressChanged() *latch.Latch { return s.observedAddress }

// -------------------------------------------------------------------------
// Event Handling
// -------------------------------------------------------------------------

// HandleEvent implements transport.Handler.
func (s *Session) HandleEvent(ev transport.Event) {
	s.events.Add(1)

	switch ev.Type {
	case transport.EventConnected:
		if ev.Conn != nil {
			s.conn.Store(&connRef{conn: ev.Conn})
		}
		s.logger.Debug("connected")
		s.handshakeComplete.Set()

	case transport.EventShutdownComplete:
		s.conn.Store(nil)
		s.logger.Debug("shutdown complete")
		s.shutdownComplete.Set()
		// Release every waiter; the connection will not produce more events.
		s.handshakeComplete.Set()
		s.peerAddressChanged.Set()
		s.streamCountChanged.Set()
		s.observedAddress.Set()

	case transport.EventPeerAddressChanged:
		addr := ev.Address
		s.peerAddr.Store(&addr)
		s.logger.Debug("peer address changed", slog.String("addr", addr.String()))
		if s.bumpStreamLimit {
			s.raiseStreamLimit(ev.Conn)
		}
		s.peerAddressChanged.Set()

	case transport.EventPeerStreamStarted:
		if s.closePeerStreams && ev.Stream != nil {
			if err := ev.Stream.Close(); err != nil {
				s.logger.Warn("close peer stream", slog.String("error", err.Error()))
			}
		}

	case transport.EventStreamsAvailable:
		s.bidiStreams.Store(uint32(ev.BidiStreams))
		s.streamCountChanged.Set()

	case transport.EventObservedAddress:
		addr := ev.Address
		s.observedAddr.Store(&addr)
		s.logger.Debug("observed address", slog.String("addr", addr.String()))
		s.observedAddress.Set()
	}
}

func (s *Session) raiseStreamLimit(conn transport.Connection) {
	if conn == nil {
		conn = s.Connection()
	}
	if conn == nil {
		return
	}

	settings := conn.Settings()
	settings.PeerBidiStreamCount++
	if err := conn.SetSettings(settings); err != nil {
		s.logger.Warn("raise peer stream limit", slog.String("error", err.Error()))
	}
}
