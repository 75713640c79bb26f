package simnet

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/quicmig/internal/transport"
)

type connState uint8

const (
	stateIdle connState = iota
	stateHandshaking
	stateConnected
	stateClosing
	stateClosed
)

type pathState uint8

const (
	// pathPending waits for a spare connection ID before probing.
	pathPending pathState = iota
	pathProbing
	pathValidated
	pathFailed
	pathRemoved
)

// simPath is one path as seen by its connection.
type simPath struct {
	transport.Path
	state pathState
	// learned marks paths created by peer activity rather than by the API.
	learned   bool
	token     uint64
	attempts  int
	nextProbe time.Time
}

// Conn is a simulated connection endpoint. All exported methods are safe
// for concurrent use; events are delivered from the connection goroutine.
type Conn struct {
	net     *Network
	id      uint64
	server  bool
	cfg     transport.Config
	handler transport.Handler
	logger  *slog.Logger
	inbox   *inbox
	done    chan struct{}

	mu        sync.Mutex
	state     connState
	share     bool
	requested netip.AddrPort
	// owned lists sockets this connection bound; usable also includes the
	// listener address of an accepted connection.
	owned  []netip.AddrPort
	usable map[netip.AddrPort]struct{}
	paths  []*simPath
	active *simPath

	peerID          uint64
	spareIDs        int
	settings        transport.Settings
	peerStreamLimit uint16
	openedStreams   uint64
	epoch           uint64
	peerEpoch       uint64
	pn              uint64
	nextToken       uint64
	lastSend        time.Time
	stats           transport.Statistics
	finished        bool
	pending         []transport.Event
}

func newConn(n *Network, id uint64, cfg transport.Config, h transport.Handler, server bool) *Conn {
	role := "client"
	if server {
		role = "server"
	}
	return &Conn{
		net:      n,
		id:       id,
		server:   server,
		cfg:      cfg,
		handler:  h,
		logger:   n.logger.With(slog.Uint64("conn", id), slog.String("role", role)),
		inbox:    newInbox(),
		done:     make(chan struct{}),
		usable:   make(map[netip.AddrPort]struct{}),
		settings: transport.Settings{KeepAlive: cfg.KeepAlive},
	}
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Start implements transport.Connection.
func (c *Conn) Start(ctx context.Context, family transport.Family, remote netip.AddrPort) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if !family.Valid() || !remote.IsValid() || transport.FamilyOf(remote) != family {
		return fmt.Errorf("start %s toward %s: %w", family, remote, transport.ErrInvalidParameter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server || c.state != stateIdle {
		return fmt.Errorf("start: %w", transport.ErrInvalidState)
	}

	if len(c.paths) == 0 {
		base := c.requested
		if !base.IsValid() {
			base = netip.AddrPortFrom(family.Loopback(), 0)
		}
		if transport.FamilyOf(base) != family {
			return fmt.Errorf("start: local %s: %w", base, transport.ErrInvalidParameter)
		}
		addr, err := c.net.bind(base, &socket{owner: c})
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		c.addOwnedLocked(addr)
		c.paths = append(c.paths, &simPath{Path: transport.Path{Local: addr, Remote: remote}})
	}

	first := c.paths[0]
	first.Remote = remote
	first.state = pathValidated
	c.active = first
	c.state = stateHandshaking

	c.logger.Debug("starting handshake", slog.String("path", first.String()))
	c.sendLocked(first.Path, &packet{
		frame:     frameInitial,
		value:     uint64(c.settings.PeerBidiStreamCount),
		discovery: c.cfg.AddressDiscovery,
	})
	return nil
}

// Shutdown implements transport.Connection.
func (c *Conn) Shutdown(code uint64) error {
	c.mu.Lock()
	if c.active == nil || (c.state != stateConnected && c.state != stateHandshaking) {
		c.mu.Unlock()
		return fmt.Errorf("shutdown: %w", transport.ErrInvalidState)
	}
	c.sendLocked(c.active.Path, &packet{frame: frameConnectionClose, value: code})
	c.state = stateClosing
	c.mu.Unlock()

	c.inbox.push(item{shutdown: true})
	return nil
}

// Close implements transport.Connection. It blocks until the connection
// goroutine has delivered its final event.
func (c *Conn) Close() error {
	c.terminate()
	return nil
}

func (c *Conn) terminate() {
	c.inbox.push(item{terminate: true})
	<-c.done
}

// -------------------------------------------------------------------------
// Addresses, Settings, Statistics
// -------------------------------------------------------------------------

// LocalAddr implements transport.Connection.
func (c *Conn) LocalAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active.Local
	}
	return c.requested
}

// RemoteAddr implements transport.Connection.
func (c *Conn) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active.Remote
	}
	return netip.AddrPort{}
}

// SetLocalAddr implements transport.Connection. The address is bound by
// Start, which reports a collision as ErrAddressInUse.
func (c *Conn) SetLocalAddr(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server || c.state != stateIdle {
		return fmt.Errorf("set local address: %w", transport.ErrInvalidState)
	}
	if !addr.IsValid() {
		return fmt.Errorf("set local address %s: %w", addr, transport.ErrInvalidParameter)
	}
	c.requested = addr
	return nil
}

// Settings implements transport.Connection.
func (c *Conn) Settings() transport.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings implements transport.Connection. A changed peer stream limit
// is announced with MAX_STREAMS; keep-alive changes apply on the next tick.
func (c *Conn) SetSettings(s transport.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return fmt.Errorf("set settings: %w", transport.ErrClosed)
	}
	old := c.settings
	c.settings = s
	if s.PeerBidiStreamCount != old.PeerBidiStreamCount && c.state == stateConnected {
		c.sendLocked(c.active.Path, &packet{frame: frameMaxStreams, value: uint64(s.PeerBidiStreamCount)})
	}
	return nil
}

// Statistics implements transport.Connection.
func (c *Conn) Statistics() transport.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetShareBinding implements transport.Connection.
func (c *Conn) SetShareBinding(share bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateIdle {
		return fmt.Errorf("share binding: %w", transport.ErrInvalidState)
	}
	c.share = share
	return nil
}

// -------------------------------------------------------------------------
// Path Operations
// -------------------------------------------------------------------------

// AddPath implements transport.Connection. Before Start the first added
// path becomes the handshake path.
func (c *Conn) AddPath(p transport.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkPathOpLocked(true); err != nil {
		return fmt.Errorf("add path %s: %w", p, err)
	}
	if sp := c.findLocked(p.Local, p.Remote); sp != nil && sp.state != pathRemoved && sp.state != pathFailed {
		return nil
	}
	if err := c.bindForPathLocked(p); err != nil {
		return fmt.Errorf("add path %s: %w", p, err)
	}

	c.paths = append(c.paths, &simPath{Path: p})
	c.logger.Debug("path added", slog.String("path", p.String()))
	c.schedulePendingLocked(time.Now())
	return nil
}

// ActivatePath implements transport.Connection. An unknown path is added
// and activated without validation.
func (c *Conn) ActivatePath(p transport.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkPathOpLocked(false); err != nil {
		return fmt.Errorf("activate path %s: %w", p, err)
	}

	sp := c.findLocked(p.Local, p.Remote)
	switch {
	case sp == nil:
		if err := c.bindForPathLocked(p); err != nil {
			return fmt.Errorf("activate path %s: %w", p, err)
		}
		sp = &simPath{Path: p, state: pathValidated}
		c.paths = append(c.paths, sp)
		if c.spareIDs > 0 {
			c.spareIDs--
		}
	case sp.state == pathFailed || sp.state == pathRemoved:
		return fmt.Errorf("activate path %s: %w", p, transport.ErrInvalidState)
	}

	if sp != c.active {
		c.migrateLocked(sp)
	}
	return nil
}

// RemovePath implements transport.Connection. Removing the active path
// migrates to the most recent other validated path, or failing that to a
// path still being probed.
func (c *Conn) RemovePath(p transport.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkPathOpLocked(false); err != nil {
		return fmt.Errorf("remove path %s: %w", p, err)
	}

	sp := c.findLocked(p.Local, p.Remote)
	if sp == nil || sp.state == pathRemoved {
		return fmt.Errorf("remove path %s: %w", p, transport.ErrNotFound)
	}

	if sp == c.active {
		next := c.latestLocked(sp, pathValidated)
		if next == nil {
			next = c.latestLocked(sp, pathProbing)
		}
		if next == nil {
			return fmt.Errorf("remove path %s: no other usable path: %w", p, transport.ErrInvalidState)
		}
		sp.state = pathRemoved
		c.migrateLocked(next)
	} else {
		sp.state = pathRemoved
	}

	c.logger.Debug("path removed", slog.String("path", p.String()))
	return nil
}

// AddBoundAddr implements transport.Connection.
func (c *Conn) AddBoundAddr(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosing || c.state == stateClosed {
		return fmt.Errorf("add bound address: %w", transport.ErrInvalidState)
	}
	if !addr.IsValid() || addr.Port() == 0 {
		return fmt.Errorf("add bound address %s: %w", addr, transport.ErrInvalidParameter)
	}

	if _, ok := c.usable[addr]; ok {
		if c.hasPathFromLocked(addr) && !c.reuseAllowedLocked() {
			return fmt.Errorf("add bound address %s: %w", addr, transport.ErrAddressInUse)
		}
		return nil
	}

	bound, err := c.net.bind(addr, &socket{owner: c})
	if err != nil {
		return fmt.Errorf("add bound address: %w", err)
	}
	c.addOwnedLocked(bound)
	return nil
}

// GenerateConnID implements transport.Connection. The peer is topped up
// to the connection ID limit.
func (c *Conn) GenerateConnID() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return fmt.Errorf("generate connection id: %w", transport.ErrInvalidState)
	}
	c.sendLocked(c.active.Path, &packet{frame: frameNewConnIDs, connIDs: c.net.connIDLimit - 1})
	return nil
}

// OpenStream implements transport.Connection.
func (c *Conn) OpenStream() (transport.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return nil, fmt.Errorf("open stream: %w", transport.ErrInvalidState)
	}
	if c.openedStreams >= uint64(c.peerStreamLimit) {
		return nil, fmt.Errorf("open stream: peer limit %d reached: %w", c.peerStreamLimit, transport.ErrInvalidState)
	}

	id := c.openedStreams << 2
	if c.server {
		id |= 1
	}
	c.openedStreams++
	c.sendLocked(c.active.Path, &packet{frame: frameStreamOpen, value: id})
	return &Stream{id: id}, nil
}

// Paths returns a snapshot of the connection's non-removed paths and
// whether each is validated. Intended for tests.
func (c *Conn) Paths() map[transport.Path]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[transport.Path]bool, len(c.paths))
	for _, sp := range c.paths {
		if sp.state != pathRemoved {
			out[sp.Path] = sp.state == pathValidated
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Socket Policy
// -------------------------------------------------------------------------

func (c *Conn) checkPathOpLocked(beforeStart bool) error {
	switch {
	case c.state == stateClosing || c.state == stateClosed:
		return transport.ErrInvalidState
	case c.server && !c.cfg.ServerMigration:
		return transport.ErrInvalidState
	case c.state == stateIdle && !beforeStart:
		return transport.ErrInvalidState
	}
	return nil
}

// reuseAllowedLocked reports whether a local address already carrying a
// path may carry another one toward a different remote. Accepted
// connections never may; clients need a shared binding on a platform that
// permits it.
func (c *Conn) reuseAllowedLocked() bool {
	return !c.server && c.share && c.net.platform == transport.PlatformPosix
}

func (c *Conn) bindForPathLocked(p transport.Path) error {
	if !p.Local.IsValid() || !p.Remote.IsValid() || p.Local.Port() == 0 ||
		transport.FamilyOf(p.Local) != transport.FamilyOf(p.Remote) {
		return transport.ErrInvalidParameter
	}

	if _, ok := c.usable[p.Local]; ok {
		for _, sp := range c.paths {
			if sp.Local == p.Local && sp.Remote != p.Remote && !sp.learned && sp.state != pathRemoved {
				if !c.reuseAllowedLocked() {
					return transport.ErrAddressInUse
				}
				break
			}
		}
		return nil
	}

	addr, err := c.net.bind(p.Local, &socket{owner: c})
	if err != nil {
		return err
	}
	c.addOwnedLocked(addr)
	return nil
}

func (c *Conn) hasPathFromLocked(local netip.AddrPort) bool {
	for _, sp := range c.paths {
		if sp.Local == local && sp.state != pathRemoved {
			return true
		}
	}
	return false
}

func (c *Conn) addOwnedLocked(addr netip.AddrPort) {
	c.owned = append(c.owned, addr)
	c.usable[addr] = struct{}{}
}

// latestLocked returns the most recently added path in state st other
// than skip.
func (c *Conn) latestLocked(skip *simPath, st pathState) *simPath {
	for i := len(c.paths) - 1; i >= 0; i-- {
		if cand := c.paths[i]; cand != skip && cand.state == st {
			return cand
		}
	}
	return nil
}

func (c *Conn) findLocked(local, remote netip.AddrPort) *simPath {
	for _, sp := range c.paths {
		if sp.Local == local && sp.Remote == remote {
			return sp
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

func (c *Conn) sendLocked(path transport.Path, p *packet) {
	c.pn++
	p.pn = c.pn
	p.epoch = c.epoch
	p.src = path.Local
	p.dst = path.Remote
	p.srcConn = c.id
	if p.frame != frameInitial {
		p.dstConn = c.peerID
	}

	c.stats.SendPackets++
	if c.active != nil && path == c.active.Path {
		c.lastSend = time.Now()
	}
	c.net.transmit(p)
}

// migrateLocked makes sp the active path on this side's initiative and
// tells the peer with a non-probing packet on it.
func (c *Conn) migrateLocked(sp *simPath) {
	c.active = sp
	c.epoch++
	c.logger.Debug("migrated", slog.String("path", sp.String()), slog.Uint64("epoch", c.epoch))
	c.sendLocked(sp.Path, &packet{frame: framePing})
}

func (c *Conn) schedulePendingLocked(now time.Time) {
	if c.state != stateConnected {
		return
	}
	for _, sp := range c.paths {
		if sp.state != pathPending {
			continue
		}
		if c.spareIDs == 0 {
			return
		}
		c.spareIDs--
		c.nextToken++
		sp.token = c.nextToken
		sp.state = pathProbing
		c.probeLocked(sp, now)
	}
}

func (c *Conn) probeLocked(sp *simPath, now time.Time) {
	sp.attempts++
	sp.nextProbe = now.Add(c.net.probeInterval)
	c.sendLocked(sp.Path, &packet{frame: framePathChallenge, value: sp.token})
}
