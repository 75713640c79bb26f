package transport

import "net/netip"

// EventType identifies an asynchronous connection event.
type EventType uint8

const (
	// EventConnected is delivered when the handshake completes.
	EventConnected EventType = iota + 1
	// EventShutdownComplete is the final event of a connection.
	EventShutdownComplete
	// EventPeerAddressChanged reports that the peer moved to a new address.
	EventPeerAddressChanged
	// EventPeerStreamStarted reports a stream opened by the peer.
	EventPeerStreamStarted
	// EventStreamsAvailable reports a change of the peer's stream limit.
	EventStreamsAvailable
	// EventObservedAddress reports the address the peer observed for us.
	EventObservedAddress
)

var eventTypeNames = map[EventType]string{
	EventConnected:          "Connected",
	EventShutdownComplete:   "ShutdownComplete",
	EventPeerAddressChanged: "PeerAddressChanged",
	EventPeerStreamStarted:  "PeerStreamStarted",
	EventStreamsAvailable:   "StreamsAvailable",
	EventObservedAddress:    "ObservedAddress",
}

// String returns the event name.
func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// Event is one asynchronous notification from a stack.
type Event struct {
	Type EventType
	// Conn is the connection the event belongs to.
	Conn Connection
	// Address is the new peer address (PeerAddressChanged) or the observed
	// local address (ObservedAddress).
	Address netip.AddrPort
	// Stream is set for PeerStreamStarted.
	Stream Stream
	// BidiStreams is the peer's bidirectional stream limit for
	// StreamsAvailable.
	BidiStreams uint16
}

// Handler receives connection events. Stacks call HandleEvent on their own
// goroutines; implementations must not block for long.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }
