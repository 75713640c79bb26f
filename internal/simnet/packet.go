package simnet

import (
	"net/netip"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// frameType is the single frame a simulated packet carries.
type frameType uint8

const (
	frameInitial frameType = iota + 1
	frameHandshake
	frameHandshakeDone
	framePing
	framePathChallenge
	framePathResponse
	frameMaxStreams
	frameNewConnIDs
	frameObservedAddress
	frameStreamOpen
	frameConnectionClose
)

var frameNames = map[frameType]string{
	frameInitial:         "INITIAL",
	frameHandshake:       "HANDSHAKE",
	frameHandshakeDone:   "HANDSHAKE_DONE",
	framePing:            "PING",
	framePathChallenge:   "PATH_CHALLENGE",
	framePathResponse:    "PATH_RESPONSE",
	frameMaxStreams:      "MAX_STREAMS",
	frameNewConnIDs:      "NEW_CONNECTION_ID",
	frameObservedAddress: "OBSERVED_ADDRESS",
	frameStreamOpen:      "STREAM",
	frameConnectionClose: "CONNECTION_CLOSE",
}

func (f frameType) String() string {
	if s, ok := frameNames[f]; ok {
		return s
	}
	return "UNKNOWN"
}

// packet is one simulated datagram.
type packet struct {
	src netip.AddrPort
	dst netip.AddrPort

	// dstConn routes the packet; zero only for INITIAL.
	dstConn uint64
	srcConn uint64

	// pn is the sender's packet number and epoch the sender's active path
	// generation.
	pn    uint64
	epoch uint64

	frame frameType
	// value carries the frame payload: stream limit, challenge token,
	// connection ID count, stream ID or close code.
	value uint64
	addr  netip.AddrPort
	// connIDs is the number of spare connection IDs granted in a handshake
	// packet.
	connIDs int
	// discovery advertises address discovery support in the handshake.
	discovery bool
}

// kind maps the frame to the class hooks see.
func (p *packet) kind() transport.PacketKind {
	switch p.frame {
	case framePathChallenge:
		return transport.KindPathChallenge
	case framePathResponse:
		return transport.KindPathResponse
	default:
		return transport.KindData
	}
}

// isProbing reports whether the packet may not move the active path.
func (p *packet) isProbing() bool {
	return p.frame == framePathChallenge || p.frame == framePathResponse
}
