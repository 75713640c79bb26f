package scenario

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// serverEndpoints enables server migration on both sides and shares the
// client's binding, so the client can receive on additional addresses.
func serverEndpoints(deferConnID bool, keepAlive time.Duration) endpoints {
	cfg := transport.Config{ServerMigration: true}
	client := cfg
	client.ConnIDGenerationDisabled = deferConnID
	return endpoints{
		client:          client,
		server:          cfg,
		serverInitiated: true,
		share:           true,
		keepAlive:       keepAlive,
	}
}

// ServerProbePath has the server add a path from a new local address
// toward a new client address and checks that probes cross it in both
// directions despite p.Drops losses per direction.
func (r *Runner) ServerProbePath(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindServerProbePath, p, func(ctx context.Context, h *harness) error {
		reg, err := h.hooks()
		if err != nil {
			return err
		}
		if err := h.open(ctx, serverEndpoints(p.DeferConnID, 0)); err != nil {
			return err
		}
		if err := h.connect(ctx); err != nil {
			return err
		}
		server, err := h.server()
		if err != nil {
			return err
		}
		if err := h.sleep(ctx, h.r.timeouts.ConfirmationDelay); err != nil {
			return err
		}

		alloc := h.allocator(addralloc.StrategyRandom)
		secondRemote, err := h.retry(alloc, "add bound address", alloc.Next(h.client.LocalAddr()), h.client.AddBoundAddr)
		if err != nil {
			return err
		}

		pr := h.newProbe(reg, p.Drops, false)
		defer pr.release()
		secondLocal, err := h.retry(alloc, "add path", alloc.Next(h.client.RemoteAddr()), func(c netip.AddrPort) error {
			pr.arm(c.Port())
			return server.AddPath(transport.Path{Local: c, Remote: secondRemote})
		})
		if err != nil {
			return err
		}
		h.report.Target = transport.Path{Local: secondLocal, Remote: secondRemote}

		if p.DeferConnID {
			if err := must("generate connection id", h.client.GenerateConnID()); err != nil {
				return err
			}
		}

		t := h.r.timeouts
		if err := pr.await(ctx, t.Base*time.Duration(t.ProbeMultiplier)); err != nil {
			return err
		}

		h.report.Outcome = OutcomeObserved
		return nil
	})
}

// ServerMigration moves the server to a new path and checks that the
// client follows. A server never opens a path toward a new client address,
// so NewRemote always ends with the rejection.
func (r *Runner) ServerMigration(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindServerMigration, p, func(ctx context.Context, h *harness) error {
		if err := h.open(ctx, serverEndpoints(false, h.r.keepAlive)); err != nil {
			return err
		}
		if err := h.connect(ctx); err != nil {
			return err
		}
		server, err := h.server()
		if err != nil {
			return err
		}

		m := &migration{
			h:        h,
			p:        p,
			alloc:    h.allocator(addralloc.StrategyRandom),
			mover:    server,
			peer:     h.client,
			orig:     transport.Path{Local: server.LocalAddr(), Remote: server.RemoteAddr()},
			rejected: ExpectRejected(h.stack.Platform(), session.RoleServer, p.Change, true),
			bindPair: true,
		}
		local, remote := h.client.LocalAddr(), h.client.RemoteAddr()
		switch p.Change {
		case NewLocal:
			m.second, m.pair = m.alloc.Next(remote), local
		case NewRemote:
			m.second, m.pair = m.alloc.Next(local), remote
		case NewBoth:
			m.second, m.pair = m.alloc.Next(local), m.alloc.Next(remote)
		default:
			return fmt.Errorf("address change %s: %w", p.Change, transport.ErrInvalidParameter)
		}

		stop, err := m.move(ctx)
		if err != nil || stop {
			return err
		}

		if err := h.wait(ctx, h.clientS.PeerAddressChanged(), h.r.timeouts.PeerAddressChange, "peer_address_changed"); err != nil {
			return err
		}
		switch p.Change {
		case NewLocal:
			err = checkAddr("client remote", h.client.RemoteAddr(), m.second)
		case NewBoth:
			err = checkAddr("client local", h.client.LocalAddr(), m.second)
			if err == nil {
				err = checkAddr("client remote", h.client.RemoteAddr(), m.pair)
			}
		}
		if err != nil {
			return err
		}

		if err := setKeepAlive(h.client, 0); err != nil {
			return err
		}
		if err := h.wait(ctx, h.serverS.StreamCountChanged(), h.r.timeouts.StreamCount, "stream_count_changed"); err != nil {
			return err
		}

		h.report.Outcome = OutcomeConverged
		return nil
	})
}
