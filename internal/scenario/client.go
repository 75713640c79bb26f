package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/datapath"
	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// Handshake connects, checks that both sides completed the handshake and
// shuts the connection down.
func (r *Runner) Handshake(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindHandshake, p, func(ctx context.Context, h *harness) error {
		if err := h.open(ctx, endpoints{}); err != nil {
			return err
		}
		if err := h.connect(ctx); err != nil {
			return err
		}

		server, err := h.server()
		if err != nil {
			return err
		}
		if err := checkAddr("client remote", h.client.RemoteAddr(), h.listener.LocalAddr()); err != nil {
			return err
		}
		if err := checkAddr("server remote", server.RemoteAddr(), h.client.LocalAddr()); err != nil {
			return err
		}
		h.report.Target = transport.Path{Local: h.client.LocalAddr(), Remote: h.client.RemoteAddr()}

		if err := must("shutdown", h.client.Shutdown(0)); err != nil {
			return err
		}
		if err := h.wait(ctx, h.clientS.ShutdownComplete(), h.r.timeouts.Base, "client_shutdown"); err != nil {
			return err
		}
		if err := h.wait(ctx, h.serverS.ShutdownComplete(), h.r.timeouts.Base, "server_shutdown"); err != nil {
			return err
		}

		h.report.Outcome = OutcomeConverged
		return nil
	})
}

// LocalPathChanges rewrites the client's source address in flight, as a
// NAT rebinding would, and checks after every change that the server
// follows the new address and that the new path carries a stream limit
// update back to the client.
func (r *Runner) LocalPathChanges(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindLocalPathChanges, p, func(ctx context.Context, h *harness) error {
		reg, err := h.hooks()
		if err != nil {
			return err
		}
		if err := h.open(ctx, endpoints{}); err != nil {
			return err
		}
		if err := h.connect(ctx); err != nil {
			return err
		}
		server, err := h.server()
		if err != nil {
			return err
		}

		rb := datapath.NewRebinder(reg, h.client.LocalAddr())
		defer rb.Close()

		alloc := h.allocator(addralloc.StrategySequential)
		t := h.r.timeouts
		for i := range h.r.iterations {
			next := alloc.Increment(rb.New())
			rb.SetNew(next)
			if err := setKeepAlive(h.client, h.r.keepAlive); err != nil {
				return err
			}

			if err := h.wait(ctx, h.serverS.PeerAddressChanged(), t.PeerAddressChange, "peer_address_changed"); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			h.serverS.PeerAddressChanged().Reset()
			if err := checkAddr("server remote", server.RemoteAddr(), next); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}

			if err := setKeepAlive(h.client, 0); err != nil {
				return err
			}
			if err := h.wait(ctx, h.clientS.StreamCountChanged(), t.StreamCount, "stream_count_changed"); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			h.clientS.StreamCountChanged().Reset()

			h.logger.Debug("rebinding followed",
				slog.Int("iteration", i),
				slog.String("addr", next.String()),
			)
		}

		h.report.Target = transport.Path{Local: rb.New(), Remote: h.client.RemoteAddr()}
		h.report.Outcome = OutcomeConverged
		return nil
	})
}

// ProbePath adds a path from the next local port and checks that probes
// cross it in both directions despite p.Drops losses per direction.
func (r *Runner) ProbePath(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindProbePath, p, func(ctx context.Context, h *harness) error {
		pr, target, err := h.probeNewLocal(ctx, p, p.Drops)
		if pr != nil {
			defer pr.release()
		}
		if err != nil {
			return err
		}
		h.report.Target = target

		if p.DeferConnID {
			server, err := h.server()
			if err != nil {
				return err
			}
			if err := must("generate connection id", server.GenerateConnID()); err != nil {
				return err
			}
		}

		t := h.r.timeouts
		if err := pr.await(ctx, t.Base*time.Duration(t.ProbeMultiplier)); err != nil {
			return err
		}
		if err := checkDrops(h.client); err != nil {
			return err
		}

		h.report.Outcome = OutcomeObserved
		return nil
	})
}

// ProbePathFailed adds a path whose probes are all dropped and checks that
// it is abandoned: no probe is observed during the failure window and the
// client never moves to it.
func (r *Runner) ProbePathFailed(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindProbePathFailed, p, func(ctx context.Context, h *harness) error {
		pr, target, err := h.probeNewLocal(ctx, p, datapath.DropForever)
		if pr != nil {
			defer pr.release()
		}
		if err != nil {
			return err
		}
		h.report.Target = target

		if err := h.watchFailedProbe(ctx, pr.obs); err != nil {
			return err
		}
		if transport.AddrEqual(h.client.LocalAddr(), target.Local) {
			return fmt.Errorf("client moved to %s: %w", target.Local, ErrPathPromoted)
		}

		h.report.Outcome = OutcomeAbandoned
		return nil
	})
}

// probeNewLocal connects and adds a path from the next free local port
// toward the current remote, arming a probe observer for each candidate.
func (h *harness) probeNewLocal(ctx context.Context, p Params, drops uint8) (*probe, transport.Path, error) {
	reg, err := h.hooks()
	if err != nil {
		return nil, transport.Path{}, err
	}
	ep := endpoints{
		server: transport.Config{ConnIDGenerationDisabled: p.DeferConnID},
		share:  p.ShareBinding,
	}
	if err := h.open(ctx, ep); err != nil {
		return nil, transport.Path{}, err
	}
	if err := h.connect(ctx); err != nil {
		return nil, transport.Path{}, err
	}

	pr := h.newProbe(reg, drops, false)
	remote := h.client.RemoteAddr()
	alloc := h.allocator(addralloc.StrategySequential)
	second, err := h.retry(alloc, "add path", alloc.Increment(h.client.LocalAddr()), func(c netip.AddrPort) error {
		pr.arm(c.Port())
		return h.client.AddPath(transport.Path{Local: c, Remote: remote})
	})
	if err != nil {
		return pr, transport.Path{}, err
	}
	return pr, transport.Path{Local: second, Remote: remote}, nil
}

// watchFailedProbe fails if obs observes a probe within the failure window.
func (h *harness) watchFailedProbe(ctx context.Context, obs *datapath.Observer) error {
	t := time.NewTimer(h.r.timeouts.FailedProbeWindow)
	defer t.Stop()

	select {
	case <-obs.ServerReceived().Done():
		return fmt.Errorf("probe seen by server on port %d: %w", obs.Port(), ErrPathPromoted)
	case <-obs.ClientReceived().Done():
		return fmt.Errorf("probe seen by client on port %d: %w", obs.Port(), ErrPathPromoted)
	case <-ctx.Done():
		return fmt.Errorf("failure window: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

// Migration moves the client to a new path and checks that the server
// follows. p.Change selects the addresses that change and p.Migration
// whether the new path is probed first.
func (r *Runner) Migration(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindMigration, p, func(ctx context.Context, h *harness) error {
		ep := endpoints{share: p.ShareBinding, keepAlive: h.r.keepAlive}
		if err := h.open(ctx, ep); err != nil {
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
			mover:    h.client,
			peer:     server,
			rejected: ExpectRejected(h.stack.Platform(), session.RoleClient, p.Change, p.ShareBinding),
		}
		local, remote := h.client.LocalAddr(), h.client.RemoteAddr()
		m.orig = transport.Path{Local: local, Remote: remote}
		switch p.Change {
		case NewLocal:
			m.second, m.pair = m.alloc.Next(local), remote
		case NewRemote:
			m.second, m.pair = m.alloc.Next(remote), local
		case NewBoth:
			m.second, m.pair = m.alloc.Next(remote), m.alloc.Next(local)
		default:
			return fmt.Errorf("address change %s: %w", p.Change, transport.ErrInvalidParameter)
		}

		stop, err := m.move(ctx)
		if err != nil || stop {
			return err
		}

		if err := h.wait(ctx, h.serverS.PeerAddressChanged(), h.r.timeouts.PeerAddressChange, "peer_address_changed"); err != nil {
			return err
		}
		switch p.Change {
		case NewLocal:
			err = checkAddr("server remote", server.RemoteAddr(), m.second)
		case NewRemote:
			err = checkAddr("server local", server.LocalAddr(), m.second)
		case NewBoth:
			err = checkAddr("server local", server.LocalAddr(), m.second)
			if err == nil {
				err = checkAddr("server remote", server.RemoteAddr(), m.pair)
			}
		}
		if err != nil {
			return err
		}

		if err := setKeepAlive(h.client, 0); err != nil {
			return err
		}
		if err := h.wait(ctx, h.clientS.StreamCountChanged(), h.r.timeouts.StreamCount, "stream_count_changed"); err != nil {
			return err
		}

		h.report.Outcome = OutcomeConverged
		return nil
	})
}

// MultipleLocalAddresses adds four paths from independent local addresses
// before connecting. The first carries the handshake and is never
// challenged; the other three must each validate under p.Drops losses per
// direction, and none may fail, so all four end up valid together.
func (r *Runner) MultipleLocalAddresses(ctx context.Context, p Params) (Report, error) {
	const paths = 4

	return r.run(ctx, KindMultipleLocalAddresses, p, func(ctx context.Context, h *harness) error {
		reg, err := h.hooks()
		if err != nil {
			return err
		}
		ep := endpoints{
			server: transport.Config{ConnIDGenerationDisabled: p.DeferConnID},
			share:  p.ShareBinding,
		}
		if err := h.open(ctx, ep); err != nil {
			return err
		}

		remote := netip.AddrPortFrom(h.family.Loopback(), h.listener.LocalAddr().Port())
		base := netip.AddrPortFrom(h.family.Loopback(), 0)
		alloc := h.allocator(addralloc.StrategyRandom)

		var locals [paths]netip.AddrPort
		for i := range locals {
			local, err := h.retry(alloc, "add path", alloc.Next(base), func(c netip.AddrPort) error {
				return h.client.AddPath(transport.Path{Local: c, Remote: remote})
			})
			if err != nil {
				return fmt.Errorf("path %d: %w", i, err)
			}
			locals[i] = local
		}

		// The handshake path is watched with no drop budget: any challenge on
		// it fires a latch.
		idle := datapath.NewObserver(reg, datapath.ObserverConfig{Port: locals[0].Port()},
			datapath.WithObserverLogger(h.logger))
		observers := make([]*datapath.Observer, 0, paths-1)
		defer func() {
			idle.Close()
			for _, o := range observers {
				o.Close()
				if n := o.Dropped(); n > 0 {
					h.r.metrics.AddProbesDropped(string(h.kind), n)
				}
			}
		}()
		for _, local := range locals[1:] {
			observers = append(observers, datapath.NewObserver(reg, datapath.ObserverConfig{
				Port:        local.Port(),
				ServerDrops: p.Drops,
				ClientDrops: p.Drops,
			}, datapath.WithObserverLogger(h.logger)))
		}

		if err := h.connect(ctx); err != nil {
			return err
		}
		if p.DeferConnID {
			server, err := h.server()
			if err != nil {
				return err
			}
			if err := must("generate connection id", server.GenerateConnID()); err != nil {
				return err
			}
		}

		t := h.r.timeouts
		for i, o := range observers {
			if err := awaitObserver(ctx, h, o, t.Base*time.Duration(t.MultiPathMultiplier)); err != nil {
				return fmt.Errorf("path %d: %w", i+1, err)
			}
		}

		// PATH_RESPONSE is counted after the hook saw it, so the counter
		// may trail the observers briefly.
		if err := h.until(ctx, t.Base, "paths validated", func() bool {
			return h.client.Statistics().PathsValidated >= paths-1
		}); err != nil {
			return err
		}

		if idle.ServerReceived().IsSet() || idle.ClientReceived().IsSet() {
			return fmt.Errorf("handshake path %s revalidated: %w", locals[0], ErrPathPromoted)
		}
		stats := h.client.Statistics()
		if stats.PathsFailed != 0 {
			return fmt.Errorf("%d paths failed: %w", stats.PathsFailed, ErrUnexpectedStatus)
		}
		if stats.PathsValidated != paths-1 {
			return fmt.Errorf("%d paths validated, want %d: %w", stats.PathsValidated, paths-1, ErrUnexpectedStatus)
		}
		if err := checkDrops(h.client); err != nil {
			return err
		}

		h.report.Target = transport.Path{Local: locals[paths-1], Remote: remote}
		h.report.Outcome = OutcomeObserved
		return nil
	})
}
