package datapath

import (
	"net/netip"
	"sync"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// Rebinder rewrites the source address the far side sees, the way a NAT
// rebinding does: datagrams received from Original appear to come from New,
// and datagrams sent to New are delivered to Original.
type Rebinder struct {
	mu       sync.Mutex
	original netip.AddrPort
	current  netip.AddrPort
	remove   func()
}

// NewRebinder installs a Rebinder that initially maps orig to itself.
func NewRebinder(reg transport.HookRegistry, orig netip.AddrPort) *Rebinder {
	r := &Rebinder{original: orig, current: orig}
	r.remove = reg.AddHook(r)
	return r
}

// Original returns the real address being rewritten.
func (r *Rebinder) Original() netip.AddrPort {
	return r.original
}

// New returns the address peers currently observe.
func (r *Rebinder) New() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SetNew changes the observed address. Safe while traffic is flowing.
func (r *Rebinder) SetNew(addr netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = addr
}

// Close uninstalls the hook. Safe to call more than once.
func (r *Rebinder) Close() {
	r.mu.Lock()
	remove := r.remove
	r.remove = nil
	r.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// Receive implements transport.Hook.
func (r *Rebinder) Receive(d *transport.Datagram) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Remote == r.original {
		d.Remote = r.current
	}
	return false
}

// Send implements transport.Hook.
func (r *Rebinder) Send(d *transport.Datagram) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Remote == r.current {
		d.Remote = r.original
	}
	return false
}
