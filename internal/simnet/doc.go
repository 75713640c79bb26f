// Package simnet is an in-memory implementation of transport.Stack.
//
// It models the parts of a QUIC connection that path migration depends on:
// bound UDP sockets and their sharing rules, connection IDs, path
// validation with PATH_CHALLENGE / PATH_RESPONSE, active path switching,
// stream limits, keep-alives and observed-address reports. Every connection
// runs its own goroutine and delivers events to its handler from there.
//
// Datagrams pass through the registered transport.Hook chain on both the
// send and the receive side, so probe observers and rebinders work against
// it the same way they would against a real datapath.
package simnet
