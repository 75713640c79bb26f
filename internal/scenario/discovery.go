package scenario

import (
	"context"
	"net/netip"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/datapath"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// AddressDiscovery binds the client to a chosen local address whose
// packets reach the server from the next port up, then checks that each
// endpoint is told the address its peer observed: the rewritten client
// address and the listener address.
func (r *Runner) AddressDiscovery(ctx context.Context, p Params) (Report, error) {
	return r.run(ctx, KindAddressDiscovery, p, func(ctx context.Context, h *harness) error {
		reg, err := h.hooks()
		if err != nil {
			return err
		}
		cfg := transport.Config{AddressDiscovery: true}
		if err := h.open(ctx, endpoints{client: cfg, server: cfg, plain: true}); err != nil {
			return err
		}

		var rb *datapath.Rebinder
		defer func() {
			if rb != nil {
				rb.Close()
			}
		}()

		// The peer must see exactly the next port up, so no candidate may
		// sit just below the listener or at the top of the range.
		alloc := h.allocator(addralloc.StrategyRandom)
		alloc.Exclude(addralloc.EphemeralPortMax, h.listener.LocalAddr().Port()-1)
		base := netip.AddrPortFrom(h.family.Loopback(), 0)
		local, err := h.retry(alloc, "start", alloc.Next(base), func(c netip.AddrPort) error {
			if rb != nil {
				rb.Close()
				rb = nil
			}
			if err := h.client.SetLocalAddr(c); err != nil {
				return err
			}
			rb = datapath.NewRebinder(reg, c)
			rb.SetNew(transport.WithPort(c, c.Port()+1))
			return h.start(ctx)
		})
		if err != nil {
			return err
		}
		if err := h.awaitHandshake(ctx); err != nil {
			return err
		}

		observed := rb.New()
		h.report.Target = transport.Path{Local: local, Remote: h.listener.LocalAddr()}

		base2 := h.r.timeouts.Base
		if err := h.wait(ctx, h.clientS.ObservedAddressChanged(), base2, "client_observed_address"); err != nil {
			return err
		}
		if err := h.wait(ctx, h.serverS.ObservedAddressChanged(), base2, "server_observed_address"); err != nil {
			return err
		}
		got, _ := h.clientS.ObservedAddress()
		if err := checkAddr("address observed for client", got, observed); err != nil {
			return err
		}
		got, _ = h.serverS.ObservedAddress()
		if err := checkAddr("address observed for server", got, h.listener.LocalAddr()); err != nil {
			return err
		}

		if err := must("shutdown", h.client.Shutdown(0)); err != nil {
			return err
		}
		if err := h.wait(ctx, h.clientS.ShutdownComplete(), base2, "client_shutdown"); err != nil {
			return err
		}
		if err := h.wait(ctx, h.serverS.ShutdownComplete(), base2, "server_shutdown"); err != nil {
			return err
		}

		h.report.Outcome = OutcomeObserved
		return nil
	})
}
