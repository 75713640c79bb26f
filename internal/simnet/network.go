package simnet

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// Defaults for a Network.
const (
	DefaultTick             = 5 * time.Millisecond
	DefaultProbeInterval    = 25 * time.Millisecond
	DefaultMaxProbeAttempts = 8
	DefaultConnIDLimit      = 4

	ephemeralPortMin = 49152
	ephemeralPortMax = 65535
)

// ErrPortsExhausted indicates no free ephemeral port is left for a family.
var ErrPortsExhausted = errors.New("simnet: ephemeral ports exhausted")

// socket is one bound address. Exactly one of listener and owner is set,
// or neither for a reservation.
type socket struct {
	listener *Listener
	owner    *Conn
}

type hookEntry struct {
	id   int
	hook transport.Hook
}

// Network is a simulated loopback network and transport stack.
type Network struct {
	platform         transport.Platform
	tick             time.Duration
	probeInterval    time.Duration
	maxProbeAttempts int
	connIDLimit      int
	logger           *slog.Logger

	mu        sync.Mutex
	sockets   map[netip.AddrPort]*socket
	conns     map[uint64]*Conn
	listeners map[*Listener]struct{}
	hooks     []hookEntry
	nextHook  int
	nextConn  uint64
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Network.
type Option func(*Network)

// WithPlatform selects the socket sharing rules. Default: host platform.
func WithPlatform(p transport.Platform) Option {
	return func(n *Network) {
		n.platform = p
	}
}

// WithTick sets the timer resolution of connection goroutines.
func WithTick(d time.Duration) Option {
	return func(n *Network) {
		if d > 0 {
			n.tick = d
		}
	}
}

// WithProbeInterval sets the PATH_CHALLENGE retransmission interval.
func WithProbeInterval(d time.Duration) Option {
	return func(n *Network) {
		if d > 0 {
			n.probeInterval = d
		}
	}
}

// WithMaxProbeAttempts sets how many challenges are sent before a path is
// declared failed.
func WithMaxProbeAttempts(k int) Option {
	return func(n *Network) {
		if k > 0 {
			n.maxProbeAttempts = k
		}
	}
}

// WithConnIDLimit sets the active connection ID limit. Each side grants
// its peer limit-1 spare IDs.
func WithConnIDLimit(k int) Option {
	return func(n *Network) {
		if k > 1 {
			n.connIDLimit = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates an empty Network.
func New(opts ...Option) *Network {
	n := &Network{
		platform:         transport.HostPlatform(),
		tick:             DefaultTick,
		probeInterval:    DefaultProbeInterval,
		maxProbeAttempts: DefaultMaxProbeAttempts,
		connIDLimit:      DefaultConnIDLimit,
		logger:           slog.Default(),
		sockets:          make(map[netip.AddrPort]*socket),
		conns:            make(map[uint64]*Conn),
		listeners:        make(map[*Listener]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(slog.String("component", "simnet"))
	return n
}

// Platform implements transport.Stack.
func (n *Network) Platform() transport.Platform { return n.platform }

// Hooks implements transport.Stack.
func (n *Network) Hooks() transport.HookRegistry { return n }

// Listen implements transport.Stack.
func (n *Network) Listen(cfg transport.Config, h transport.Handler) (transport.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, transport.ErrClosed
	}
	l := &Listener{net: n, cfg: cfg, handler: h, accepted: make(map[uint64]*Conn)}
	n.listeners[l] = struct{}{}
	return l, nil
}

// NewConnection implements transport.Stack.
func (n *Network) NewConnection(cfg transport.Config, h transport.Handler) (transport.Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, transport.ErrClosed
	}
	return n.newConnLocked(cfg, h, false), nil
}

func (n *Network) newConnLocked(cfg transport.Config, h transport.Handler, server bool) *Conn {
	n.nextConn++
	c := newConn(n, n.nextConn, cfg, h, server)
	n.conns[c.id] = c
	n.wg.Add(1)
	go c.run()
	return c
}

// AddHook implements transport.HookRegistry. Hooks run in installation
// order.
func (n *Network) AddHook(h transport.Hook) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextHook
	n.nextHook++
	n.hooks = append(n.hooks, hookEntry{id: id, hook: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, e := range n.hooks {
				if e.id == id {
					n.hooks = append(n.hooks[:i:i], n.hooks[i+1:]...)
					return
				}
			}
		})
	}
}

// Reserve binds addr to nobody, modelling a socket held by another process.
// Later binds of addr fail with ErrAddressInUse.
func (n *Network) Reserve(addr netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, taken := n.sockets[addr]; taken {
		return fmt.Errorf("reserve %s: %w", addr, transport.ErrAddressInUse)
	}
	n.sockets[addr] = &socket{}
	return nil
}

// Bound reports whether addr is bound by anything.
func (n *Network) Bound(addr netip.AddrPort) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sockets[addr]
	return ok
}

// Close shuts down every connection and listener and waits for all
// connection goroutines to exit.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	listeners := make([]*Listener, 0, len(n.listeners))
	for l := range n.listeners {
		listeners = append(listeners, l)
	}
	n.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range conns {
		c.terminate()
	}
	n.wg.Wait()
	return nil
}

// -------------------------------------------------------------------------
// Socket Table
// -------------------------------------------------------------------------

// bind claims addr for s. A zero port picks a free ephemeral port.
func (n *Network) bind(addr netip.AddrPort, s *socket) (netip.AddrPort, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return netip.AddrPort{}, transport.ErrClosed
	}
	if addr.Port() == 0 {
		port, err := n.freePortLocked(addr.Addr())
		if err != nil {
			return netip.AddrPort{}, err
		}
		addr = transport.WithPort(addr, port)
	}
	if _, taken := n.sockets[addr]; taken {
		return netip.AddrPort{}, fmt.Errorf("bind %s: %w", addr, transport.ErrAddressInUse)
	}
	n.sockets[addr] = s
	return addr, nil
}

func (n *Network) freePortLocked(ip netip.Addr) (uint16, error) {
	span := ephemeralPortMax - ephemeralPortMin + 1
	//nolint:gosec // G404: port selection does not require cryptographic randomness.
	offset := rand.IntN(span)
	for i := range span {
		//nolint:gosec // G115: value is within [49152, 65535].
		port := uint16(ephemeralPortMin + (offset+i)%span)
		if _, taken := n.sockets[netip.AddrPortFrom(ip, port)]; !taken {
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// unbind releases addrs still held by owner.
func (n *Network) unbind(owner *Conn, addrs []netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, a := range addrs {
		if s, ok := n.sockets[a]; ok && s.owner == owner {
			delete(n.sockets, a)
		}
	}
}

func (n *Network) unbindListener(l *Listener, addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.sockets[addr]; ok && s.listener == l {
		delete(n.sockets, addr)
	}
	delete(n.listeners, l)
}

func (n *Network) forget(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, c.id)
}

// -------------------------------------------------------------------------
// Datapath
// -------------------------------------------------------------------------

// transmit runs p through the hook chain and queues it at its destination.
// Undeliverable packets vanish like datagrams sent to a closed port.
func (n *Network) transmit(p *packet) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	hooks := make([]transport.Hook, len(n.hooks))
	for i, e := range n.hooks {
		hooks[i] = e.hook
	}
	n.mu.Unlock()

	out := transport.Datagram{Local: p.src, Remote: p.dst, Kind: p.kind()}
	for _, h := range hooks {
		if h.Send(&out) {
			return
		}
	}

	in := transport.Datagram{Local: out.Remote, Remote: out.Local, Kind: out.Kind}
	for _, h := range hooks {
		if h.Receive(&in) {
			return
		}
	}
	p.dst = in.Local
	p.src = in.Remote

	n.mu.Lock()
	sock := n.sockets[p.dst]
	var target *Conn
	var listener *Listener
	switch {
	case sock == nil:
	case sock.listener != nil && p.frame == frameInitial:
		listener = sock.listener
	case sock.listener != nil:
		if c := n.conns[p.dstConn]; c != nil && c.server {
			target = c
		}
	case sock.owner != nil && sock.owner.id == p.dstConn:
		target = sock.owner
	}
	n.mu.Unlock()

	switch {
	case listener != nil:
		listener.accept(p)
	case target != nil:
		target.inbox.push(item{pkt: p})
	default:
		n.logger.Debug("packet undeliverable",
			slog.String("frame", p.frame.String()),
			slog.String("dst", p.dst.String()),
		)
	}
}
