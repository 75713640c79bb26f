package session_test

import (
	"context"
	"net/netip"
	"sync"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// mockConn is a transport.Connection that records settings changes.
type mockConn struct {
	mu          sync.Mutex
	settings    transport.Settings
	setSettings int
}

func (c *mockConn) Start(context.Context, transport.Family, netip.AddrPort) error { return nil }
func (c *mockConn) Shutdown(uint64) error                                         { return nil }
func (c *mockConn) Close() error                                                  { return nil }
func (c *mockConn) LocalAddr() netip.AddrPort                                     { return netip.AddrPort{} }
func (c *mockConn) RemoteAddr() netip.AddrPort                                    { return netip.AddrPort{} }
func (c *mockConn) SetLocalAddr(netip.AddrPort) error                             { return nil }
func (c *mockConn) Statistics() transport.Statistics                              { return transport.Statistics{} }
func (c *mockConn) SetShareBinding(bool) error                                    { return nil }
func (c *mockConn) AddPath(transport.Path) error                                  { return nil }
func (c *mockConn) ActivatePath(transport.Path) error                             { return nil }
func (c *mockConn) RemovePath(transport.Path) error                               { return nil }
func (c *mockConn) AddBoundAddr(netip.AddrPort) error                             { return nil }
func (c *mockConn) GenerateConnID() error                                         { return nil }
func (c *mockConn) OpenStream() (transport.Stream, error)                         { return nil, transport.ErrNotSupported }

func (c *mockConn) Settings() transport.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *mockConn) SetSettings(s transport.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
	c.setSettings++
	return nil
}

func (c *mockConn) setCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setSettings
}

// mockStream records Close calls.
type mockStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *mockStream) ID() uint64 { return 0 }

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
