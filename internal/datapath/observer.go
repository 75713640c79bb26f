package datapath

import (
	"log/slog"
	"sync"

	"github.com/dantte-lp/quicmig/internal/latch"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// DropForever is a drop budget larger than any probe retry ceiling; a path
// observed with it never validates.
const DropForever = 255

// ObserverConfig parameterizes an Observer.
type ObserverConfig struct {
	// Port is the port of the candidate address being validated.
	Port uint16
	// ServerDrops and ClientDrops are the number of probes swallowed in each
	// direction before the corresponding signal may fire.
	ServerDrops uint8
	ClientDrops uint8
	// RemoteKeyed marks a candidate whose new address belongs to the server
	// side, which swaps the side expected to see the probe first.
	RemoteKeyed bool
}

// Observer watches path validation packets of one candidate path.
//
// A probe arriving at the socket that owns Port is counted in one direction
// and a probe arriving from Port in the other. Each direction first drops
// its budget of probes, then fires its latch on the next one.
type Observer struct {
	cfg    ObserverConfig
	logger *slog.Logger

	mu          sync.Mutex
	serverDrops uint8
	clientDrops uint8
	dropped     uint64
	remove      func()

	serverSeen *latch.Latch
	clientSeen *latch.Latch
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithObserverLogger sets the logger.
func WithObserverLogger(l *slog.Logger) ObserverOption {
	return func(o *Observer) {
		o.logger = l
	}
}

// NewObserver creates an Observer and installs it into reg. Call Close to
// uninstall it.
func NewObserver(reg transport.HookRegistry, cfg ObserverConfig, opts ...ObserverOption) *Observer {
	o := &Observer{
		cfg:         cfg,
		logger:      slog.Default(),
		serverDrops: cfg.ServerDrops,
		clientDrops: cfg.ClientDrops,
		serverSeen:  latch.New(),
		clientSeen:  latch.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(
		slog.String("component", "datapath.observer"),
		slog.Int("port", int(cfg.Port)),
	)
	o.remove = reg.AddHook(o)
	return o
}

// ServerReceived fires when the server direction has seen a probe past its
// drop budget.
func (o *Observer) ServerReceived() *latch.Latch { return o.serverSeen }

// ClientReceived fires when the client direction has seen a probe past its
// drop budget.
func (o *Observer) ClientReceived() *latch.Latch { return o.clientSeen }

// Port returns the candidate port the observer is keyed on.
func (o *Observer) Port() uint16 { return o.cfg.Port }

// Dropped returns the number of probes swallowed so far.
func (o *Observer) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close uninstalls the hook. Safe to call more than once.
func (o *Observer) Close() {
	o.mu.Lock()
	remove := o.remove
	o.remove = nil
	o.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// Receive implements transport.Hook.
func (o *Observer) Receive(d *transport.Datagram) bool {
	if !d.IsProbe() {
		return false
	}

	// atOwner: the probe arrived at the socket bound to the candidate port.
	// fromOwner: the probe was sent by that socket.
	atOwner := d.Local.Port() == o.cfg.Port
	fromOwner := d.Remote.Port() == o.cfg.Port
	if !atOwner && !fromOwner {
		return false
	}

	serverSide := fromOwner
	if o.cfg.RemoteKeyed {
		serverSide = atOwner
	}

	o.mu.Lock()
	budget := &o.clientDrops
	signal := o.clientSeen
	if serverSide {
		budget = &o.serverDrops
		signal = o.serverSeen
	}
	if *budget > 0 {
		*budget--
		o.dropped++
		o.mu.Unlock()
		o.logger.Debug("probe dropped",
			slog.String("kind", d.Kind.String()),
			slog.Bool("server_side", serverSide),
		)
		return true
	}
	o.mu.Unlock()

	signal.Set()
	return false
}

// Send implements transport.Hook.
func (o *Observer) Send(*transport.Datagram) bool { return false }
