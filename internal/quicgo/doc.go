// Package quicgo implements transport.Stack over github.com/quic-go/quic-go.
//
// It runs the handshake and shutdown flows against a real QUIC
// implementation on loopback UDP sockets. quic-go drives path migration
// internally, so the path operations return transport.ErrNotSupported and
// the stack offers no datapath hooks.
//
// Each stack generates an ephemeral self-signed certificate; clients skip
// verification.
package quicgo
