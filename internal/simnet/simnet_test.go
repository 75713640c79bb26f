package simnet_test

import (
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/quicmig/internal/datapath"
	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/simnet"
	"github.com/dantte-lp/quicmig/internal/transport"
)

const waitTimeout = 2 * time.Second

// Explicit test ports sit below the ephemeral range so they never collide
// with addresses the network picks itself.
const (
	portReserved uint16 = 40000 + iota
	portRetry
	portCandidate
	portSecond
	portServerNew
	portUnknown
	portRebindBase
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.DiscardHandler)

// pair is a connected client/server pair on a fresh network.
type pair struct {
	net      *simnet.Network
	listener transport.Listener
	client   transport.Connection
	clientS  *session.Session
	serverS  *session.Session
}

type pairConfig struct {
	platform transport.Platform
	family   transport.Family
	share    bool
	client   transport.Config
	server   transport.Config
}

func newPair(t *testing.T, pc pairConfig) *pair {
	t.Helper()

	if pc.platform == 0 {
		pc.platform = transport.PlatformPosix
	}
	if pc.family == 0 {
		pc.family = transport.FamilyV4
	}

	n := simnet.New(
		simnet.WithPlatform(pc.platform),
		simnet.WithTick(time.Millisecond),
		simnet.WithProbeInterval(5*time.Millisecond),
		simnet.WithLogger(discard),
	)
	t.Cleanup(func() { _ = n.Close() })

	p := &pair{
		net:     n,
		serverS: session.New(session.RoleServer, session.WithStreamLimitBump(), session.WithLogger(discard)),
		clientS: session.New(session.RoleClient, session.WithPeerStreamClose(), session.WithLogger(discard)),
	}

	l, err := n.Listen(pc.server, p.serverS)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	if err := l.Start(t.Context(), netip.AddrPortFrom(pc.family.Loopback(), 0)); err != nil {
		t.Fatalf("listener Start() error: %v", err)
	}
	p.listener = l

	c, err := n.NewConnection(pc.client, p.clientS)
	if err != nil {
		t.Fatalf("NewConnection() error: %v", err)
	}
	if pc.share {
		if err := c.SetShareBinding(true); err != nil {
			t.Fatalf("SetShareBinding() error: %v", err)
		}
	}
	p.client = c
	return p
}

func (p *pair) connect(t *testing.T) {
	t.Helper()

	remote := p.listener.LocalAddr()
	if err := p.client.Start(t.Context(), transport.FamilyOf(remote), remote); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !p.clientS.HandshakeComplete().Wait(waitTimeout) {
		t.Fatal("client handshake timed out")
	}
	if !p.serverS.HandshakeComplete().Wait(waitTimeout) {
		t.Fatal("server handshake timed out")
	}
	if p.serverS.Connection() == nil {
		t.Fatal("server session has no connection")
	}
}

func (p *pair) server() transport.Connection { return p.serverS.Connection() }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	for _, family := range transport.Families {
		t.Run(family.String(), func(t *testing.T) {
			t.Parallel()

			p := newPair(t, pairConfig{family: family})
			p.connect(t)

			server := p.server()
			if got, want := server.RemoteAddr(), p.client.LocalAddr(); got != want {
				t.Errorf("server RemoteAddr() = %v, want client local %v", got, want)
			}
			if got, want := p.client.RemoteAddr(), p.listener.LocalAddr(); got != want {
				t.Errorf("client RemoteAddr() = %v, want listener %v", got, want)
			}
			if transport.FamilyOf(p.client.LocalAddr()) != family {
				t.Errorf("client local %v has wrong family", p.client.LocalAddr())
			}
		})
	}
}

func TestStartCollidesWithReservedAddress(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	local := netip.AddrPortFrom(transport.FamilyV4.Loopback(), portReserved)
	if err := p.net.Reserve(local); err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if err := p.client.SetLocalAddr(local); err != nil {
		t.Fatalf("SetLocalAddr() error: %v", err)
	}

	remote := p.listener.LocalAddr()
	err := p.client.Start(t.Context(), transport.FamilyV4, remote)
	if !errors.Is(err, transport.ErrAddressInUse) {
		t.Fatalf("Start() error = %v, want ErrAddressInUse", err)
	}

	// The connection stays idle and can retry on another address.
	if err := p.client.SetLocalAddr(transport.WithPort(local, portRetry)); err != nil {
		t.Fatalf("SetLocalAddr() retry error: %v", err)
	}
	if err := p.client.Start(t.Context(), transport.FamilyV4, remote); err != nil {
		t.Fatalf("Start() retry error: %v", err)
	}
	if !p.clientS.HandshakeComplete().Wait(waitTimeout) {
		t.Fatal("handshake timed out after retry")
	}
}

func TestProbeValidatesNewLocal(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)

	newLocal := transport.WithPort(p.client.LocalAddr(), portCandidate)
	obs := datapath.NewObserver(p.net.Hooks(), datapath.ObserverConfig{
		Port: newLocal.Port(), ServerDrops: 2, ClientDrops: 2,
	}, datapath.WithObserverLogger(discard))
	defer obs.Close()

	if err := p.client.AddPath(transport.Path{Local: newLocal, Remote: p.client.RemoteAddr()}); err != nil {
		t.Fatalf("AddPath() error: %v", err)
	}
	if !obs.ServerReceived().Wait(waitTimeout) || !obs.ClientReceived().Wait(waitTimeout) {
		t.Fatal("probe not observed in both directions")
	}
	if obs.Dropped() != 4 {
		t.Errorf("observer dropped %d probes, want 4", obs.Dropped())
	}

	stats := p.client.Statistics()
	if stats.RecvDroppedPackets != 0 {
		t.Errorf("RecvDroppedPackets = %d, want 0", stats.RecvDroppedPackets)
	}

	eventually(t, "path validation", func() bool { return p.client.Statistics().PathsValidated == 1 })
	if !p.client.(*simnet.Conn).Paths()[transport.Path{Local: newLocal, Remote: p.client.RemoteAddr()}] {
		t.Error("candidate path not reported as validated")
	}
}

func TestProbeFailsPastRetryCeiling(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)

	newLocal := transport.WithPort(p.client.LocalAddr(), portCandidate)
	obs := datapath.NewObserver(p.net.Hooks(), datapath.ObserverConfig{
		Port: newLocal.Port(), ServerDrops: datapath.DropForever, ClientDrops: datapath.DropForever,
	})
	defer obs.Close()

	path := transport.Path{Local: newLocal, Remote: p.client.RemoteAddr()}
	if err := p.client.AddPath(path); err != nil {
		t.Fatalf("AddPath() error: %v", err)
	}

	eventually(t, "path failure", func() bool { return p.client.Statistics().PathsFailed == 1 })
	if obs.ServerReceived().IsSet() || obs.ClientReceived().IsSet() {
		t.Fatal("probe observed despite unbounded drops")
	}
	if got := obs.Dropped(); got != simnet.DefaultMaxProbeAttempts {
		t.Errorf("Dropped() = %d, want %d", got, simnet.DefaultMaxProbeAttempts)
	}
	if err := p.client.ActivatePath(path); !errors.Is(err, transport.ErrInvalidState) {
		t.Errorf("ActivatePath(failed) error = %v, want ErrInvalidState", err)
	}
	if p.client.LocalAddr() == newLocal {
		t.Error("failed path was promoted")
	}
}

func TestDeferredConnIDs(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{server: transport.Config{ConnIDGenerationDisabled: true}})
	p.connect(t)

	newLocal := transport.WithPort(p.client.LocalAddr(), portCandidate)
	obs := datapath.NewObserver(p.net.Hooks(), datapath.ObserverConfig{Port: newLocal.Port()})
	defer obs.Close()

	if err := p.client.AddPath(transport.Path{Local: newLocal, Remote: p.client.RemoteAddr()}); err != nil {
		t.Fatalf("AddPath() error: %v", err)
	}
	if obs.ServerReceived().Wait(50 * time.Millisecond) {
		t.Fatal("probe sent without a spare connection ID")
	}

	if err := p.server().GenerateConnID(); err != nil {
		t.Fatalf("GenerateConnID() error: %v", err)
	}
	if !obs.ServerReceived().Wait(waitTimeout) || !obs.ClientReceived().Wait(waitTimeout) {
		t.Fatal("probe not observed after GenerateConnID")
	}
}

func TestActivatePathMovesPeer(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)

	newLocal := transport.WithPort(p.client.LocalAddr(), portCandidate)
	if err := p.client.ActivatePath(transport.Path{Local: newLocal, Remote: p.client.RemoteAddr()}); err != nil {
		t.Fatalf("ActivatePath() error: %v", err)
	}

	if !p.serverS.PeerAddressChanged().Wait(waitTimeout) {
		t.Fatal("server did not see the peer address change")
	}
	if got := p.server().RemoteAddr(); got != newLocal {
		t.Errorf("server RemoteAddr() = %v, want %v", got, newLocal)
	}
	if addr, _ := p.serverS.PeerAddress(); addr != newLocal {
		t.Errorf("PeerAddress() = %v, want %v", addr, newLocal)
	}

	// The server raised the stream limit on the change.
	if !p.clientS.StreamCountChanged().Wait(waitTimeout) {
		t.Fatal("client did not see the stream limit change")
	}
	if p.clientS.PeerBidiStreams() != 1 {
		t.Errorf("PeerBidiStreams() = %d, want 1", p.clientS.PeerBidiStreams())
	}
}

func TestSharedBindingPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		platform transport.Platform
		share    bool
		wantErr  error
	}{
		{name: "posix exclusive", platform: transport.PlatformPosix, share: false, wantErr: transport.ErrAddressInUse},
		{name: "posix shared", platform: transport.PlatformPosix, share: true, wantErr: nil},
		{name: "windows exclusive", platform: transport.PlatformWindows, share: false, wantErr: transport.ErrAddressInUse},
		{name: "windows shared", platform: transport.PlatformWindows, share: true, wantErr: transport.ErrAddressInUse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newPair(t, pairConfig{platform: tt.platform, share: tt.share})
			p.connect(t)

			second := transport.WithPort(p.client.RemoteAddr(), portSecond)
			if err := p.server().AddBoundAddr(second); err != nil {
				t.Fatalf("server AddBoundAddr() error: %v", err)
			}

			err := p.client.AddPath(transport.Path{Local: p.client.LocalAddr(), Remote: second})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("AddPath() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("AddPath() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerPathOperations(t *testing.T) {
	t.Parallel()

	t.Run("disabled without server migration", func(t *testing.T) {
		t.Parallel()

		p := newPair(t, pairConfig{})
		p.connect(t)

		second := transport.WithPort(p.server().LocalAddr(), portSecond)
		err := p.server().AddPath(transport.Path{Local: second, Remote: p.server().RemoteAddr()})
		if !errors.Is(err, transport.ErrInvalidState) {
			t.Errorf("AddPath() error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("new remote from listener address rejected", func(t *testing.T) {
		t.Parallel()

		cfg := transport.Config{ServerMigration: true}
		p := newPair(t, pairConfig{share: true, client: cfg, server: cfg})
		p.connect(t)

		second := transport.WithPort(p.client.LocalAddr(), portSecond)
		if err := p.client.AddBoundAddr(second); err != nil {
			t.Fatalf("client AddBoundAddr() error: %v", err)
		}
		err := p.server().AddPath(transport.Path{Local: p.server().LocalAddr(), Remote: second})
		if !errors.Is(err, transport.ErrAddressInUse) {
			t.Errorf("AddPath() error = %v, want ErrAddressInUse", err)
		}
	})

	t.Run("server migrates to new local", func(t *testing.T) {
		t.Parallel()

		cfg := transport.Config{ServerMigration: true}
		p := newPair(t, pairConfig{share: true, client: cfg, server: cfg})
		p.connect(t)

		serverNew := transport.WithPort(p.server().LocalAddr(), portServerNew)
		path := transport.Path{Local: serverNew, Remote: p.server().RemoteAddr()}
		if err := p.server().ActivatePath(path); err != nil {
			t.Fatalf("ActivatePath() error: %v", err)
		}
		if !p.clientS.PeerAddressChanged().Wait(waitTimeout) {
			t.Fatal("client did not follow the server")
		}
		if got := p.client.RemoteAddr(); got != serverNew {
			t.Errorf("client RemoteAddr() = %v, want %v", got, serverNew)
		}
	})
}

func TestAddBoundAddrOwnLocal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		platform transport.Platform
		share    bool
		wantErr  bool
	}{
		{name: "posix shared", platform: transport.PlatformPosix, share: true, wantErr: false},
		{name: "posix exclusive", platform: transport.PlatformPosix, share: false, wantErr: true},
		{name: "windows shared", platform: transport.PlatformWindows, share: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newPair(t, pairConfig{platform: tt.platform, share: tt.share})
			p.connect(t)

			err := p.client.AddBoundAddr(p.client.LocalAddr())
			if tt.wantErr != errors.Is(err, transport.ErrAddressInUse) {
				t.Errorf("AddBoundAddr(own local) error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRemovePath(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)

	original := transport.Path{Local: p.client.LocalAddr(), Remote: p.client.RemoteAddr()}
	if err := p.client.RemovePath(original); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("RemovePath(only path) error = %v, want ErrInvalidState", err)
	}

	unknown := transport.Path{Local: transport.WithPort(original.Local, portUnknown), Remote: original.Remote}
	if err := p.client.RemovePath(unknown); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("RemovePath(unknown) error = %v, want ErrNotFound", err)
	}

	newLocal := transport.WithPort(original.Local, portCandidate)
	obs := datapath.NewObserver(p.net.Hooks(), datapath.ObserverConfig{Port: newLocal.Port()})
	defer obs.Close()
	if err := p.client.AddPath(transport.Path{Local: newLocal, Remote: original.Remote}); err != nil {
		t.Fatalf("AddPath() error: %v", err)
	}
	if !obs.ServerReceived().Wait(waitTimeout) || !obs.ClientReceived().Wait(waitTimeout) {
		t.Fatal("new path not validated")
	}

	eventually(t, "path validation", func() bool { return p.client.Statistics().PathsValidated == 1 })

	if err := p.client.RemovePath(original); err != nil {
		t.Fatalf("RemovePath(original) error: %v", err)
	}
	if !p.serverS.PeerAddressChanged().Wait(waitTimeout) {
		t.Fatal("server did not follow the migration")
	}
	if got := p.server().RemoteAddr(); got != newLocal {
		t.Errorf("server RemoteAddr() = %v, want %v", got, newLocal)
	}
}

func TestKeepAliveFollowsRebinding(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)

	orig := p.client.LocalAddr()
	rb := datapath.NewRebinder(p.net.Hooks(), orig)
	defer rb.Close()

	for i := range 5 {
		next := transport.WithPort(orig, portRebindBase+uint16(i))
		rb.SetNew(next)
		if err := p.client.SetSettings(transport.Settings{KeepAlive: 2 * time.Millisecond}); err != nil {
			t.Fatalf("SetSettings() error: %v", err)
		}
		if !p.serverS.PeerAddressChanged().Wait(waitTimeout) {
			t.Fatalf("iteration %d: rebinding not detected", i)
		}
		p.serverS.PeerAddressChanged().Reset()
		if got := p.server().RemoteAddr(); got != next {
			t.Fatalf("iteration %d: server RemoteAddr() = %v, want %v", i, got, next)
		}

		if err := p.client.SetSettings(transport.Settings{}); err != nil {
			t.Fatalf("SetSettings() error: %v", err)
		}
		if !p.clientS.StreamCountChanged().Wait(waitTimeout) {
			t.Fatalf("iteration %d: stream limit change lost", i)
		}
		p.clientS.StreamCountChanged().Reset()
	}
}

func TestAddressDiscovery(t *testing.T) {
	t.Parallel()

	cfg := transport.Config{AddressDiscovery: true}
	p := newPair(t, pairConfig{client: cfg, server: cfg})
	p.connect(t)

	if !p.clientS.ObservedAddressChanged().Wait(waitTimeout) {
		t.Fatal("client observed address not reported")
	}
	if got, _ := p.clientS.ObservedAddress(); got != p.client.LocalAddr() {
		t.Errorf("client ObservedAddress() = %v, want %v", got, p.client.LocalAddr())
	}
	if !p.serverS.ObservedAddressChanged().Wait(waitTimeout) {
		t.Fatal("server observed address not reported")
	}
	if got, _ := p.serverS.ObservedAddress(); got != p.listener.LocalAddr() {
		t.Errorf("server ObservedAddress() = %v, want %v", got, p.listener.LocalAddr())
	}
}

func TestPeerStreams(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)

	if _, err := p.server().OpenStream(); !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("OpenStream() over zero limit error = %v, want ErrInvalidState", err)
	}

	if err := p.client.SetSettings(transport.Settings{PeerBidiStreamCount: 1}); err != nil {
		t.Fatalf("SetSettings() error: %v", err)
	}
	if !p.serverS.StreamCountChanged().Wait(waitTimeout) {
		t.Fatal("server did not see the new limit")
	}
	if _, err := p.server().OpenStream(); err != nil {
		t.Fatalf("OpenStream() error: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	p := newPair(t, pairConfig{})
	p.connect(t)
	local := p.client.LocalAddr()

	if err := p.client.Shutdown(0); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if !p.clientS.ShutdownComplete().Wait(waitTimeout) {
		t.Fatal("client shutdown not complete")
	}
	if !p.serverS.ShutdownComplete().Wait(waitTimeout) {
		t.Fatal("server shutdown not complete")
	}
	if p.serverS.Connection() != nil || p.clientS.Connection() != nil {
		t.Error("session kept a connection after shutdown")
	}
	if p.net.Bound(local) {
		t.Error("client socket still bound after shutdown")
	}
	if err := p.client.Close(); err != nil {
		t.Errorf("Close() after shutdown error: %v", err)
	}
}

func TestCloseWithoutStart(t *testing.T) {
	t.Parallel()

	n := simnet.New(simnet.WithLogger(discard))
	s := session.New(session.RoleClient, session.WithLogger(discard))
	c, err := n.NewConnection(transport.Config{}, s)
	if err != nil {
		t.Fatalf("NewConnection() error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if s.ShutdownComplete().IsSet() {
		t.Error("ShutdownComplete delivered for a connection that never started")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("network Close() error: %v", err)
	}
	if _, err := n.NewConnection(transport.Config{}, s); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("NewConnection() after Close error = %v, want ErrClosed", err)
	}
}
