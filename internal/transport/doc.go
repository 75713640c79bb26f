// Package transport defines the endpoint abstraction the migration harness
// drives: connections, listeners, path operations, settings, statistics and
// the asynchronous events a stack delivers to its handlers.
//
// Two stacks implement it: the in-memory simulated network in
// internal/simnet and the quic-go adapter in internal/quicgo.
package transport
