package transport

import "net/netip"

// PacketKind classifies a datagram for interception.
type PacketKind uint8

const (
	// KindData is any non-probe datagram.
	KindData PacketKind = iota
	// KindPathChallenge carries a path validation challenge.
	KindPathChallenge
	// KindPathResponse carries a path validation response.
	KindPathResponse
)

// String returns a short name for the kind.
func (k PacketKind) String() string {
	switch k {
	case KindPathChallenge:
		return "path_challenge"
	case KindPathResponse:
		return "path_response"
	default:
		return "data"
	}
}

// Datagram is the view of one packet a Hook sees. Local is the address of
// the socket doing the I/O and Remote is the other end. Hooks may rewrite
// either address.
type Datagram struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	Kind   PacketKind
}

// IsProbe reports whether the datagram is part of path validation.
func (d *Datagram) IsProbe() bool {
	return d.Kind == KindPathChallenge || d.Kind == KindPathResponse
}

// Hook intercepts datagrams below the connection layer. Returning true
// drops the datagram.
type Hook interface {
	Receive(d *Datagram) (drop bool)
	Send(d *Datagram) (drop bool)
}

// HookRegistry installs datapath hooks. The returned function removes the
// hook and is safe to call more than once.
type HookRegistry interface {
	AddHook(h Hook) (remove func())
}
