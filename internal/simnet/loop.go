package simnet

import (
	"log/slog"
	"time"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// run is the connection goroutine. It exits after the final event.
func (c *Conn) run() {
	defer c.net.wg.Done()
	defer close(c.done)

	ticker := time.NewTicker(c.net.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.inbox.notify:
			for _, it := range c.inbox.drain() {
				if c.handle(it) {
					return
				}
			}
		case now := <-ticker.C:
			c.onTick(now)
		}
	}
}

// handle processes one inbox item and reports whether the connection is
// finished.
func (c *Conn) handle(it item) bool {
	c.mu.Lock()
	switch {
	case it.terminate:
		c.finishLocked(true)
	case it.shutdown:
		c.finishLocked(false)
	case it.pkt != nil:
		c.receiveLocked(it.pkt, time.Now())
	}
	events := c.pending
	c.pending = nil
	finished := c.finished
	c.mu.Unlock()

	c.dispatch(events)
	return finished
}

func (c *Conn) onTick(now time.Time) {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return
	}

	for _, sp := range c.paths {
		if sp.state != pathProbing || now.Before(sp.nextProbe) {
			continue
		}
		if sp.attempts >= c.net.maxProbeAttempts {
			sp.state = pathFailed
			c.stats.PathsFailed++
			c.logger.Debug("path validation failed",
				slog.String("path", sp.String()),
				slog.Int("attempts", sp.attempts),
			)
			continue
		}
		c.probeLocked(sp, now)
	}
	c.schedulePendingLocked(now)

	if ka := c.settings.KeepAlive; ka > 0 && now.Sub(c.lastSend) >= ka {
		c.sendLocked(c.active.Path, &packet{frame: framePing})
	}

	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.dispatch(events)
}

func (c *Conn) dispatch(events []transport.Event) {
	if c.handler == nil {
		return
	}
	for _, ev := range events {
		c.handler.HandleEvent(ev)
	}
}

func (c *Conn) emitLocked(ev transport.Event) {
	ev.Conn = c
	c.pending = append(c.pending, ev)
}

// finishLocked releases the connection's sockets and queues the final
// event. notifyPeer sends CONNECTION_CLOSE first when still connected.
func (c *Conn) finishLocked(notifyPeer bool) {
	if c.finished {
		return
	}
	started := c.state != stateIdle
	if notifyPeer && c.active != nil && (c.state == stateConnected || c.state == stateHandshaking) {
		c.sendLocked(c.active.Path, &packet{frame: frameConnectionClose})
	}

	c.state = stateClosed
	c.finished = true
	c.net.unbind(c, c.owned)
	c.net.forget(c)

	if started {
		c.logger.Debug("shutdown complete")
		c.emitLocked(transport.Event{Type: transport.EventShutdownComplete})
	}
}

// -------------------------------------------------------------------------
// Receiving
// -------------------------------------------------------------------------

func (c *Conn) receiveLocked(p *packet, now time.Time) {
	if c.state == stateClosed {
		return
	}
	c.stats.RecvPackets++

	switch p.frame {
	case frameInitial:
		c.onInitialLocked(p)
		return
	case frameHandshake:
		c.onHandshakeLocked(p, now)
		return
	case frameHandshakeDone:
		c.spareIDs = min(p.connIDs, c.net.connIDLimit-1)
		c.schedulePendingLocked(now)
		return
	case frameConnectionClose:
		c.finishLocked(false)
		return
	case framePathChallenge:
		if c.findLocked(p.dst, p.src) == nil {
			c.paths = append(c.paths, &simPath{
				Path:    transport.Path{Local: p.dst, Remote: p.src},
				state:   pathValidated,
				learned: true,
			})
		}
		c.sendLocked(transport.Path{Local: p.dst, Remote: p.src}, &packet{frame: framePathResponse, value: p.value})
		return
	case framePathResponse:
		if sp := c.findLocked(p.dst, p.src); sp != nil && sp.state == pathProbing && sp.token == p.value {
			sp.state = pathValidated
			c.stats.PathsValidated++
			c.logger.Debug("path validated",
				slog.String("path", sp.String()),
				slog.Int("attempts", sp.attempts),
			)
		}
		return
	}

	if c.state != stateConnected {
		return
	}
	if !c.followPeerLocked(p) {
		return
	}

	switch p.frame {
	case frameMaxStreams:
		c.peerStreamLimit = uint16(p.value)
		c.emitLocked(transport.Event{Type: transport.EventStreamsAvailable, BidiStreams: c.peerStreamLimit})
	case frameNewConnIDs:
		c.spareIDs = min(c.spareIDs+p.connIDs, c.net.connIDLimit-1)
		c.schedulePendingLocked(now)
	case frameObservedAddress:
		if c.cfg.AddressDiscovery {
			c.emitLocked(transport.Event{Type: transport.EventObservedAddress, Address: p.addr})
		}
	case frameStreamOpen:
		c.emitLocked(transport.Event{Type: transport.EventPeerStreamStarted, Stream: &Stream{id: p.value}})
	}
}

// followPeerLocked applies the active path rules to a non-probing packet
// and reports whether the packet should be processed.
//
// The peer moved on purpose when its epoch grew; an accepted connection
// also follows a NAT rebinding, i.e. an unknown source address arriving on
// the active local address. Packets on removed paths are dropped.
func (c *Conn) followPeerLocked(p *packet) bool {
	path := transport.Path{Local: p.dst, Remote: p.src}
	sp := c.findLocked(p.dst, p.src)

	if c.active != nil && path == c.active.Path {
		c.peerEpoch = max(c.peerEpoch, p.epoch)
		return true
	}

	switch {
	case p.epoch > c.peerEpoch:
		c.peerEpoch = p.epoch
	case p.epoch == c.peerEpoch && c.server && c.active != nil && p.dst == c.active.Local && sp == nil:
	default:
		if sp != nil && sp.state == pathRemoved {
			c.stats.RecvDroppedPackets++
			return false
		}
		return true
	}

	if sp == nil {
		sp = &simPath{Path: path, learned: true}
		c.paths = append(c.paths, sp)
	}
	sp.state = pathValidated
	c.active = sp

	c.logger.Debug("peer address changed", slog.String("path", path.String()))
	c.emitLocked(transport.Event{Type: transport.EventPeerAddressChanged, Address: p.src})
	return true
}

// onInitialLocked completes the server side of the handshake.
func (c *Conn) onInitialLocked(p *packet) {
	if !c.server || c.state != stateHandshaking {
		return
	}

	c.peerID = p.srcConn
	c.peerStreamLimit = uint16(p.value)
	sp := &simPath{Path: transport.Path{Local: p.dst, Remote: p.src}, state: pathValidated}
	c.paths = append(c.paths, sp)
	c.active = sp
	c.state = stateConnected

	c.sendLocked(sp.Path, &packet{
		frame:     frameHandshake,
		value:     uint64(c.settings.PeerBidiStreamCount),
		connIDs:   c.grantLocked(),
		discovery: c.cfg.AddressDiscovery,
	})
	c.emitLocked(transport.Event{Type: transport.EventConnected})

	if c.cfg.AddressDiscovery && p.discovery {
		c.sendLocked(sp.Path, &packet{frame: frameObservedAddress, addr: p.src})
	}
}

// onHandshakeLocked completes the client side of the handshake.
func (c *Conn) onHandshakeLocked(p *packet, now time.Time) {
	if c.server || c.state != stateHandshaking {
		return
	}

	c.peerID = p.srcConn
	c.peerStreamLimit = uint16(p.value)
	c.spareIDs = min(p.connIDs, c.net.connIDLimit-1)
	c.state = stateConnected

	c.sendLocked(c.active.Path, &packet{frame: frameHandshakeDone, connIDs: c.grantLocked()})
	c.emitLocked(transport.Event{Type: transport.EventConnected})

	if c.cfg.AddressDiscovery && p.discovery {
		c.sendLocked(c.active.Path, &packet{frame: frameObservedAddress, addr: p.src})
	}
	c.schedulePendingLocked(now)
}

// grantLocked returns the spare connection IDs issued at handshake time.
func (c *Conn) grantLocked() int {
	if c.cfg.ConnIDGenerationDisabled {
		return 0
	}
	return c.net.connIDLimit - 1
}
