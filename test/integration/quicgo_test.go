//go:build integration

package integration_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"runtime"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/dantte-lp/quicmig/internal/quicgo"
	"github.com/dantte-lp/quicmig/internal/scenario"
	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/transport"
)

var discard = slog.New(slog.DiscardHandler)

// quicgoFactory builds a fresh quic-go stack per scenario run.
func quicgoFactory() (transport.Stack, error) {
	return quicgo.New(quicgo.WithLogger(discard), quicgo.WithHandshakeTimeout(3*time.Second))
}

// families returns the families the host can run, skipping IPv6 where the
// loopback interface lacks it.
func families(t *testing.T) []transport.Family {
	t.Helper()

	out := []transport.Family{transport.FamilyV4}
	if nettest.SupportsIPv6() {
		out = append(out, transport.FamilyV6)
	} else {
		t.Log("IPv6 not supported on this host, running v4 only")
	}
	return out
}

// TestQUICGoHandshake runs the handshake scenario against quic-go over
// loopback UDP.
func TestQUICGoHandshake(t *testing.T) {
	t.Parallel()

	r := scenario.New(quicgoFactory, discard)

	for _, f := range families(t) {
		t.Run(f.String(), func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rep, err := r.Handshake(ctx, scenario.Params{Family: f})
			if err != nil {
				t.Fatalf("Handshake: %v", err)
			}
			if rep.Outcome != scenario.OutcomeConverged {
				t.Errorf("outcome = %s, want converged", rep.Outcome)
			}
			if rep.Target.Remote.Addr() != f.Loopback() {
				t.Errorf("target remote = %s, want %s loopback", rep.Target.Remote, f)
			}
		})
	}
}

// TestQUICGoMigrationUnsupported checks that a path scenario fails cleanly
// on a stack without path operations.
func TestQUICGoMigrationUnsupported(t *testing.T) {
	t.Parallel()

	r := scenario.New(quicgoFactory, discard)

	_, err := r.Migration(context.Background(), scenario.Params{
		Family:    transport.FamilyV4,
		Change:    scenario.NewLocal,
		Migration: scenario.ActivateDirect,
	})
	if !errors.Is(err, transport.ErrNotSupported) {
		t.Errorf("Migration error = %v, want ErrNotSupported", err)
	}
}

// TestQUICGoSharedBinding binds two connections to one local address.
// Only a shared binding may reuse it.
func TestQUICGoSharedBinding(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("shared binding is implemented on linux only")
	}
	t.Parallel()

	s, err := quicgo.New(quicgo.WithLogger(discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	serverS := session.New(session.RoleServer, session.WithLogger(discard))
	l, err := s.Listen(transport.Config{}, serverS)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx := context.Background()
	if err := l.Start(ctx, netip.MustParseAddrPort("127.0.0.1:0")); err != nil {
		t.Fatalf("listener Start: %v", err)
	}

	start := func(share bool, local netip.AddrPort) (transport.Connection, *session.Session, error) {
		cs := session.New(session.RoleClient, session.WithLogger(discard))
		c, err := s.NewConnection(transport.Config{}, cs)
		if err != nil {
			return nil, nil, err
		}
		if err := c.SetShareBinding(share); err != nil {
			return nil, nil, err
		}
		if local.IsValid() {
			if err := c.SetLocalAddr(local); err != nil {
				return nil, nil, err
			}
		}
		return c, cs, c.Start(ctx, transport.FamilyV4, l.LocalAddr())
	}

	first, firstS, err := start(true, netip.AddrPort{})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if !firstS.HandshakeComplete().Wait(5 * time.Second) {
		t.Fatal("first handshake did not complete")
	}

	if _, _, err := start(false, first.LocalAddr()); !errors.Is(err, transport.ErrAddressInUse) {
		t.Errorf("unshared reuse error = %v, want ErrAddressInUse", err)
	}
	if _, _, err := start(true, first.LocalAddr()); err != nil {
		t.Errorf("shared reuse: %v", err)
	}
}
