package transport

import (
	"context"
	"net/netip"
	"time"
)

// Config holds per-connection (or per-listener) transport options.
type Config struct {
	// ServerMigration allows the server side to add, activate and remove
	// paths.
	ServerMigration bool
	// ConnIDGenerationDisabled withholds spare connection IDs from the peer
	// until GenerateConnID is called.
	ConnIDGenerationDisabled bool
	// AddressDiscovery enables observed-address reports.
	AddressDiscovery bool
	// KeepAlive is the initial keep-alive interval; zero disables it.
	KeepAlive time.Duration
}

// Settings are the mutable connection settings.
type Settings struct {
	KeepAlive           time.Duration
	PeerBidiStreamCount uint16
}

// Statistics is a snapshot of connection counters.
type Statistics struct {
	SendPackets        uint64
	RecvPackets        uint64
	RecvDroppedPackets uint64
	PathsValidated     uint64
	PathsFailed        uint64
}

// Stream is a peer-initiated stream handle.
type Stream interface {
	ID() uint64
	Close() error
}

// Connection is one endpoint of a transport connection.
type Connection interface {
	// Start begins the client handshake toward remote.
	Start(ctx context.Context, family Family, remote netip.AddrPort) error
	// Shutdown starts a graceful close; EventShutdownComplete follows.
	Shutdown(code uint64) error
	// Close releases the connection immediately.
	Close() error

	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	// SetLocalAddr binds the local address before Start.
	SetLocalAddr(addr netip.AddrPort) error

	Settings() Settings
	SetSettings(s Settings) error
	Statistics() Statistics

	// SetShareBinding allows the connection's local socket to be shared by
	// later paths. Must be called before Start.
	SetShareBinding(share bool) error

	// AddPath registers and, once connected, validates a new path.
	AddPath(p Path) error
	// ActivatePath moves the connection to p, adding it if unknown.
	ActivatePath(p Path) error
	// RemovePath abandons p, migrating away if it is active.
	RemovePath(p Path) error
	// AddBoundAddr binds an additional local address to the connection.
	AddBoundAddr(addr netip.AddrPort) error
	// GenerateConnID issues spare connection IDs to the peer.
	GenerateConnID() error

	// OpenStream opens a bidirectional stream toward the peer.
	OpenStream() (Stream, error)
}

// Listener accepts server connections. Accepted connections deliver their
// events to the listener's handler.
type Listener interface {
	Start(ctx context.Context, local netip.AddrPort) error
	LocalAddr() netip.AddrPort
	Close() error
}

// Stack is a transport implementation.
type Stack interface {
	Listen(cfg Config, h Handler) (Listener, error)
	NewConnection(cfg Config, h Handler) (Connection, error)
	// Hooks returns the datapath interception registry, or nil when the
	// stack does not support interception.
	Hooks() HookRegistry
	Platform() Platform
	Close() error
}
