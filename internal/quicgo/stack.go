package quicgo

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// DefaultHandshakeTimeout bounds the client handshake.
const DefaultHandshakeTimeout = 5 * time.Second

// Stack is a transport.Stack over quic-go. Safe for concurrent use.
type Stack struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration

	serverTLS *tls.Config
	clientTLS *tls.Config

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners map[*Listener]struct{}
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHandshakeTimeout bounds the client handshake. Values <= 0 are
// ignored.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Stack) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// New creates a Stack with a fresh server certificate.
func New(opts ...Option) (*Stack, error) {
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("quicgo tls: %w", err)
	}

	s := &Stack{
		logger:           slog.Default(),
		handshakeTimeout: DefaultHandshakeTimeout,
		serverTLS:        serverTLS,
		clientTLS:        clientTLSConfig(),
		conns:            make(map[*Conn]struct{}),
		listeners:        make(map[*Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "quicgo"))
	return s, nil
}

// Platform implements transport.Stack.
func (s *Stack) Platform() transport.Platform { return transport.HostPlatform() }

// Hooks implements transport.Stack. quic-go offers no datapath
// interception.
func (s *Stack) Hooks() transport.HookRegistry { return nil }

// Listen implements transport.Stack.
func (s *Stack) Listen(cfg transport.Config, h transport.Handler) (transport.Listener, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("listen: %w", transport.ErrClosed)
	}

	l := &Listener{stack: s, cfg: cfg, handler: h, logger: s.logger.With(slog.String("role", "server"))}
	s.listeners[l] = struct{}{}
	return l, nil
}

// NewConnection implements transport.Stack.
func (s *Stack) NewConnection(cfg transport.Config, h transport.Handler) (transport.Connection, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("new connection: %w", transport.ErrClosed)
	}

	c := newConn(s, cfg, h, false)
	s.conns[c] = struct{}{}
	return c, nil
}

// Close closes every listener and connection and waits for their
// goroutines.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	listeners := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.wg.Wait()
	return errors.Join(errs...)
}

// quicConfig maps a transport config and settings to quic-go.
func (s *Stack) quicConfig(keepAlive time.Duration, peerBidi uint16) *quic.Config {
	qc := &quic.Config{
		HandshakeIdleTimeout: s.handshakeTimeout,
		KeepAlivePeriod:      keepAlive,
	}
	if peerBidi > 0 {
		qc.MaxIncomingStreams = int64(peerBidi)
	}
	return qc
}

func (s *Stack) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Stack) forget(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Stack) forgetListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

// checkConfig rejects options quic-go cannot honor.
func checkConfig(cfg transport.Config) error {
	switch {
	case cfg.ServerMigration:
		return fmt.Errorf("server migration: %w", transport.ErrNotSupported)
	case cfg.ConnIDGenerationDisabled:
		return fmt.Errorf("deferred connection IDs: %w", transport.ErrNotSupported)
	case cfg.AddressDiscovery:
		return fmt.Errorf("address discovery: %w", transport.ErrNotSupported)
	}
	return nil
}
