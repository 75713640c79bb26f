package session_test

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSession(opts ...session.Option) *session.Session {
	opts = append(opts, session.WithLogger(slog.New(slog.DiscardHandler)))
	return session.New(session.RoleServer, opts...)
}

func TestConnectedStoresConnection(t *testing.T) {
	t.Parallel()

	s := newSession()
	if s.Connection() != nil {
		t.Fatal("Connection() non-nil before any event")
	}

	conn := &mockConn{}
	s.HandleEvent(transport.Event{Type: transport.EventConnected, Conn: conn})

	if !s.HandshakeComplete().Wait(time.Second) {
		t.Fatal("HandshakeComplete not set")
	}
	if s.Connection() != conn {
		t.Error("Connection() does not return the connected conn")
	}
	if s.Events() != 1 {
		t.Errorf("Events() = %d, want 1", s.Events())
	}
}

func TestShutdownClearsPeerAndReleasesWaiters(t *testing.T) {
	t.Parallel()

	s := newSession()
	s.HandleEvent(transport.Event{Type: transport.EventConnected, Conn: &mockConn{}})
	s.HandshakeComplete().Reset()

	s.HandleEvent(transport.Event{Type: transport.EventShutdownComplete})

	if s.Connection() != nil {
		t.Error("Connection() non-nil after shutdown")
	}

	latches := map[string]interface{ IsSet() bool }{
		"ShutdownComplete":       s.ShutdownComplete(),
		"HandshakeComplete":      s.HandshakeComplete(),
		"PeerAddressChanged":     s.PeerAddressChanged(),
		"StreamCountChanged":     s.StreamCountChanged(),
		"ObservedAddressChanged": s.ObservedAddressChanged(),
	}
	for name, l := range latches {
		if !l.IsSet() {
			t.Errorf("%s not set after shutdown", name)
		}
	}

	if _, ok := s.PeerAddress(); ok {
		t.Error("PeerAddress() reported without a change event")
	}
}

func TestPeerAddressChanged(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddrPort("127.0.0.1:50123")

	t.Run("records address", func(t *testing.T) {
		t.Parallel()

		conn := &mockConn{}
		s := newSession(session.WithConnection(conn))
		s.HandleEvent(transport.Event{Type: transport.EventPeerAddressChanged, Conn: conn, Address: addr})

		if !s.PeerAddressChanged().IsSet() {
			t.Fatal("PeerAddressChanged not set")
		}
		got, ok := s.PeerAddress()
		if !ok || got != addr {
			t.Errorf("PeerAddress() = %v, %v, want %v", got, ok, addr)
		}
		if conn.setCalls() != 0 {
			t.Errorf("SetSettings called %d times without bump option", conn.setCalls())
		}
	})

	t.Run("bumps stream limit", func(t *testing.T) {
		t.Parallel()

		conn := &mockConn{settings: transport.Settings{PeerBidiStreamCount: 4}}
		s := newSession(session.WithStreamLimitBump())
		s.HandleEvent(transport.Event{Type: transport.EventConnected, Conn: conn})

		for i := range 3 {
			s.HandleEvent(transport.Event{Type: transport.EventPeerAddressChanged, Conn: conn, Address: addr})
			if got, want := conn.Settings().PeerBidiStreamCount, uint16(5+i); got != want {
				t.Errorf("change %d: PeerBidiStreamCount = %d, want %d", i, got, want)
			}
		}
	})
}

func TestPeerStreamStarted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		opts      []session.Option
		wantClose bool
	}{
		{name: "kept by default", wantClose: false},
		{name: "closed with option", opts: []session.Option{session.WithPeerStreamClose()}, wantClose: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := &mockStream{}
			s := newSession(tt.opts...)
			s.HandleEvent(transport.Event{Type: transport.EventPeerStreamStarted, Stream: st})
			if st.isClosed() != tt.wantClose {
				t.Errorf("stream closed = %v, want %v", st.isClosed(), tt.wantClose)
			}
		})
	}
}

func TestStreamsAvailableAndObservedAddress(t *testing.T) {
	t.Parallel()

	s := newSession()
	s.HandleEvent(transport.Event{Type: transport.EventStreamsAvailable, BidiStreams: 7})
	if !s.StreamCountChanged().IsSet() {
		t.Error("StreamCountChanged not set")
	}
	if s.PeerBidiStreams() != 7 {
		t.Errorf("PeerBidiStreams() = %d, want 7", s.PeerBidiStreams())
	}

	obs := netip.MustParseAddrPort("[::1]:50001")
	s.HandleEvent(transport.Event{Type: transport.EventObservedAddress, Address: obs})
	if !s.ObservedAddressChanged().IsSet() {
		t.Error("ObservedAddressChanged not set")
	}
	if got, ok := s.ObservedAddress(); !ok || got != obs {
		t.Errorf("ObservedAddress() = %v, %v, want %v", got, ok, obs)
	}
}

func TestConcurrentEventsAndWaits(t *testing.T) {
	t.Parallel()

	s := newSession()
	conn := &mockConn{}
	addr := netip.MustParseAddrPort("127.0.0.1:50000")

	for i := range 50 {
		go s.HandleEvent(transport.Event{Type: transport.EventPeerAddressChanged, Conn: conn, Address: addr})
		if !s.PeerAddressChanged().Wait(time.Second) {
			t.Fatalf("iteration %d: PeerAddressChanged not set", i)
		}
		s.PeerAddressChanged().Reset()
	}
}
