package scenario

import (
	"context"
	"net/netip"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// migration moves the initiating endpoint ("mover") to a new path. The
// responder ("peer") binds the new address on its side where the change
// needs one.
//
// second is the address that changes for the mover: its new local address
// for NewLocal, the peer's new address otherwise. pair is the address the
// new path is paired with; for NewBoth it changes too.
type migration struct {
	h     *harness
	p     Params
	alloc *addralloc.Allocator

	mover transport.Connection
	peer  transport.Connection

	// orig is the mover's path at the start of the run.
	orig transport.Path

	second netip.AddrPort
	pair   netip.AddrPort

	// rejected is the policy table's verdict for the run.
	rejected bool

	// bindPair makes the peer bind pair again before a NewLocal move, so
	// it can receive on the new path from its existing address.
	bindPair bool
}

// move performs the mutation. It reports stop when a policy rejection
// ended the scenario.
func (m *migration) move(ctx context.Context) (bool, error) {
	h := m.h
	direct := m.p.Migration == ActivateDirect

	pathOp, opName := m.mover.AddPath, "add path"
	var pr *probe
	if direct {
		if err := h.sleep(ctx, h.r.timeouts.ConfirmationDelay); err != nil {
			return false, err
		}
		pathOp, opName = m.mover.ActivatePath, "activate path"
	} else {
		reg, err := h.hooks()
		if err != nil {
			return false, err
		}
		pr = h.newProbe(reg, 0, m.p.Change == NewRemote)
		defer pr.release()
	}
	arm := func(port uint16) {
		if pr != nil {
			pr.arm(port)
		}
	}

	var (
		target transport.Path
		err    error
	)
	switch m.p.Change {
	case NewLocal:
		if m.bindPair {
			arm(m.second.Port())
			stop, err := h.expect("add bound address", m.peer.AddBoundAddr(m.pair), m.rejected)
			if err != nil || stop {
				return stop, err
			}
		}
		m.second, err = h.retry(m.alloc, opName, m.second, func(c netip.AddrPort) error {
			arm(c.Port())
			return pathOp(transport.Path{Local: c, Remote: m.pair})
		})
		target = transport.Path{Local: m.second, Remote: m.pair}

	case NewRemote, NewBoth:
		m.second, err = h.retry(m.alloc, "add bound address", m.second, func(c netip.AddrPort) error {
			arm(c.Port())
			return m.peer.AddBoundAddr(c)
		})
		if err != nil {
			return false, err
		}

		if m.p.Change == NewRemote {
			target = transport.Path{Local: m.pair, Remote: m.second}
			h.report.Target = target
			stop, err := h.expect(opName, pathOp(target), m.rejected)
			if err != nil || stop {
				return stop, err
			}
			break
		}
		m.pair, err = h.retry(m.alloc, opName, m.pair, func(c netip.AddrPort) error {
			return pathOp(transport.Path{Local: c, Remote: m.second})
		})
		target = transport.Path{Local: m.pair, Remote: m.second}

	default:
		return false, transport.ErrInvalidParameter
	}
	if err != nil {
		return false, err
	}
	h.report.Target = target
	if direct {
		return false, nil
	}

	if err := pr.await(ctx, h.r.timeouts.Base); err != nil {
		return false, err
	}
	pr.release()

	if m.p.Migration == MigrateWithProbe {
		return false, must("activate path", m.mover.ActivatePath(target))
	}
	return false, must("remove path", m.mover.RemovePath(m.orig))
}
