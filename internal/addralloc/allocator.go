// Package addralloc picks candidate ephemeral addresses for new paths and
// retries transport operations that collide with an address already in use.
package addralloc

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// Ephemeral port range (RFC 6335 Section 6).
const (
	EphemeralPortMin uint16 = 49152
	EphemeralPortMax uint16 = 65535
)

// DefaultMaxAttempts bounds Retry: one initial attempt plus three retries.
const DefaultMaxAttempts = 4

// ErrAttemptsExhausted indicates every candidate collided with a bound
// address.
var ErrAttemptsExhausted = errors.New("address allocation attempts exhausted")

// Strategy selects how the next candidate port is derived.
type Strategy uint8

const (
	// StrategyRandom draws uniformly from the ephemeral range.
	StrategyRandom Strategy = iota
	// StrategySequential takes the next port, wrapping to the range start.
	StrategySequential
)

// String returns "random" or "sequential".
func (s Strategy) String() string {
	if s == StrategySequential {
		return "sequential"
	}
	return "random"
}

// MetricsReporter receives allocation outcomes.
type MetricsReporter interface {
	IncAllocationRetries(op string)
	IncAllocationExhausted(op string)
}

type noopMetrics struct{}

func (noopMetrics) IncAllocationRetries(string)   {}
func (noopMetrics) IncAllocationExhausted(string) {}

// Allocator derives candidate addresses from a base address.
// Safe for concurrent use.
type Allocator struct {
	mu          sync.Mutex
	strategy    Strategy
	maxAttempts int
	exclude     map[uint16]struct{}

	metrics MetricsReporter
	logger  *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithStrategy sets the candidate strategy.
func WithStrategy(s Strategy) Option {
	return func(a *Allocator) {
		a.strategy = s
	}
}

// WithMaxAttempts sets the attempt bound. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n >= 1 {
			a.maxAttempts = n
		}
	}
}

// WithExclude never yields the given ports, e.g. the listener port.
func WithExclude(ports ...uint16) Option {
	return func(a *Allocator) {
		for _, p := range ports {
			a.exclude[p] = struct{}{}
		}
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(a *Allocator) {
		if mr != nil {
			a.metrics = mr
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Allocator. Defaults: random strategy, DefaultMaxAttempts.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		strategy:    StrategyRandom,
		maxAttempts: DefaultMaxAttempts,
		exclude:     make(map[uint16]struct{}),
		metrics:     noopMetrics{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "addralloc"))
	return a
}

// MaxAttempts returns the attempt bound.
func (a *Allocator) MaxAttempts() int { return a.maxAttempts }

// Exclude adds ports to the excluded set.
func (a *Allocator) Exclude(ports ...uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		a.exclude[p] = struct{}{}
	}
}

// Next returns base with a new port chosen by the strategy. The result never
// carries base's own port or an excluded port.
func (a *Allocator) Next(base netip.AddrPort) netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.strategy == StrategySequential {
		return transport.WithPort(base, a.nextSequential(base.Port()))
	}
	return transport.WithPort(base, a.nextRandom(base.Port()))
}

// Increment returns base with the next usable port regardless of strategy.
func (a *Allocator) Increment(base netip.AddrPort) netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	return transport.WithPort(base, a.nextSequential(base.Port()))
}

func (a *Allocator) nextSequential(port uint16) uint16 {
	next := port
	for {
		if next == EphemeralPortMax {
			next = EphemeralPortMin
		} else {
			next++
		}
		if _, skip := a.exclude[next]; !skip && next != port {
			return next
		}
	}
}

func (a *Allocator) nextRandom(port uint16) uint16 {
	span := int(EphemeralPortMax) - int(EphemeralPortMin) + 1
	for {
		//nolint:gosec // G404: port selection does not require cryptographic randomness.
		next := EphemeralPortMin + uint16(rand.IntN(span))
		if _, skip := a.exclude[next]; !skip && next != port {
			return next
		}
	}
}

// Retry calls attempt with first, and after each ErrAddressInUse with the
// next candidate, up to MaxAttempts calls. It returns the candidate that
// succeeded and the number of calls made. A status other than
// ErrAddressInUse is returned immediately; exhausting the bound returns an
// error wrapping ErrAttemptsExhausted and the last status.
func (a *Allocator) Retry(
	op string,
	first netip.AddrPort,
	attempt func(candidate netip.AddrPort) error,
) (netip.AddrPort, int, error) {
	candidate := first

	var err error
	for try := 1; try <= a.maxAttempts; try++ {
		err = attempt(candidate)
		if err == nil {
			return candidate, try, nil
		}
		if !transport.IsAddressInUse(err) {
			return candidate, try, fmt.Errorf("%s %s: %w", op, candidate, err)
		}

		a.logger.Debug("address in use, retrying",
			slog.String("op", op),
			slog.String("candidate", candidate.String()),
			slog.Int("attempt", try),
		)
		if try < a.maxAttempts {
			a.metrics.IncAllocationRetries(op)
			candidate = a.Next(candidate)
		}
	}

	a.metrics.IncAllocationExhausted(op)
	return candidate, a.maxAttempts, fmt.Errorf("%s after %d attempts: %w: %w",
		op, a.maxAttempts, ErrAttemptsExhausted, err)
}
