// Package scenario drives a client and a server endpoint through path
// changes and checks that both converge on the same path.
//
// Every entry point of Runner stands up a fresh transport stack, a
// listener with its server session and a client connection, waits for the
// handshake on both sides and then performs one kind of path mutation:
//
//   - LocalPathChanges: the client's address is rewritten in flight, as a
//     NAT rebinding would, fifty times in a row.
//   - ProbePath, ProbePathFailed, MultipleLocalAddresses: the client adds
//     candidate paths and the harness watches validation with a probe
//     observer that drops a configured number of probes.
//   - Migration: the client moves to a new local address, a new remote
//     address or both, directly or after probing.
//   - ServerProbePath, ServerMigration: the same with the server as
//     initiator.
//   - AddressDiscovery: both endpoints report the address they observed
//     for their peer.
//
// Operations whose result depends on the platform's socket layer are
// checked against an explicit policy table (see ExpectRejected).
package scenario
