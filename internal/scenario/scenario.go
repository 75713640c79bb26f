package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// -------------------------------------------------------------------------
// Scenario Errors
// -------------------------------------------------------------------------

// Sentinel errors for scenario failures.
var (
	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("wait timed out")

	// ErrAddressMismatch indicates an endpoint reports an address other than
	// the one the scenario moved it to.
	ErrAddressMismatch = errors.New("address mismatch")

	// ErrUnexpectedStatus indicates a transport operation returned a status
	// the scenario does not allow at that point.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrDroppedPackets indicates the connection counted dropped packets
	// although losses were injected below the observable layer.
	ErrDroppedPackets = errors.New("connection dropped packets")

	// ErrPathPromoted indicates a path that must not validate was observed
	// or activated.
	ErrPathPromoted = errors.New("unvalidated path promoted")

	// ErrNoPeer indicates the server connection is not available.
	ErrNoPeer = errors.New("server connection not available")
)

// -------------------------------------------------------------------------
// Scenario Parameters
// -------------------------------------------------------------------------

// Kind names a scenario entry point.
type Kind string

// Scenario kinds, one per Runner entry point.
const (
	KindHandshake              Kind = "Handshake"
	KindLocalPathChanges       Kind = "LocalPathChanges"
	KindProbePath              Kind = "ProbePath"
	KindProbePathFailed        Kind = "ProbePathFailed"
	KindMigration              Kind = "Migration"
	KindMultipleLocalAddresses Kind = "MultipleLocalAddresses"
	KindAddressDiscovery       Kind = "AddressDiscovery"
	KindServerProbePath        Kind = "ServerProbePath"
	KindServerMigration        Kind = "ServerMigration"
)

// Kinds lists every scenario kind in execution order.
var Kinds = []Kind{
	KindHandshake,
	KindLocalPathChanges,
	KindProbePath,
	KindProbePathFailed,
	KindMigration,
	KindMultipleLocalAddresses,
	KindAddressDiscovery,
	KindServerProbePath,
	KindServerMigration,
}

// Migration selects how the initiator moves to the candidate path.
type Migration uint8

const (
	// ActivateDirect activates the candidate without validating it.
	ActivateDirect Migration = iota + 1
	// MigrateWithProbe adds the candidate, waits for validation and then
	// activates it.
	MigrateWithProbe
	// DeleteAndMigrate adds the candidate, waits for validation and then
	// removes the original path.
	DeleteAndMigrate
)

// Migrations lists every Migration.
var Migrations = []Migration{ActivateDirect, MigrateWithProbe, DeleteAndMigrate}

// String returns the migration name.
func (m Migration) String() string {
	switch m {
	case ActivateDirect:
		return "ActivateDirect"
	case MigrateWithProbe:
		return "MigrateWithProbe"
	case DeleteAndMigrate:
		return "DeleteAndMigrate"
	default:
		return fmt.Sprintf("Migration(%d)", uint8(m))
	}
}

// AddressChange selects which address of the initiator's path changes.
type AddressChange uint8

const (
	// NewLocal changes the initiator's local address.
	NewLocal AddressChange = iota + 1
	// NewRemote changes the address the initiator sends to.
	NewRemote
	// NewBoth changes both addresses.
	NewBoth
)

// AddressChanges lists every AddressChange.
var AddressChanges = []AddressChange{NewLocal, NewRemote, NewBoth}

// String returns the address change name.
func (a AddressChange) String() string {
	switch a {
	case NewLocal:
		return "NewLocal"
	case NewRemote:
		return "NewRemote"
	case NewBoth:
		return "NewBoth"
	default:
		return fmt.Sprintf("AddressChange(%d)", uint8(a))
	}
}

// DropCounts are the per-direction probe drop budgets of the probe
// scenarios in the matrix.
var DropCounts = []uint8{0, 1, 2}

// Params parameterizes one scenario run. Each kind reads only the fields
// it is defined over.
type Params struct {
	Family       transport.Family
	ShareBinding bool
	DeferConnID  bool
	Drops        uint8
	Change       AddressChange
	Migration    Migration
}

// Name returns the case name of kind run with p, e.g.
// "Migration/v4/share=true/NewLocal/MigrateWithProbe".
func (p Params) Name(k Kind) string {
	parts := []string{string(k), p.Family.String()}
	switch k {
	case KindProbePath, KindMultipleLocalAddresses:
		parts = append(parts,
			fmt.Sprintf("share=%t", p.ShareBinding),
			fmt.Sprintf("defer=%t", p.DeferConnID),
			fmt.Sprintf("drops=%d", p.Drops))
	case KindProbePathFailed:
		parts = append(parts, fmt.Sprintf("share=%t", p.ShareBinding))
	case KindMigration:
		parts = append(parts,
			fmt.Sprintf("share=%t", p.ShareBinding),
			p.Change.String(),
			p.Migration.String())
	case KindServerProbePath:
		parts = append(parts,
			fmt.Sprintf("defer=%t", p.DeferConnID),
			fmt.Sprintf("drops=%d", p.Drops))
	case KindServerMigration:
		parts = append(parts, p.Change.String(), p.Migration.String())
	}
	return strings.Join(parts, "/")
}

// -------------------------------------------------------------------------
// Reports
// -------------------------------------------------------------------------

// Outcome is how a passing scenario ended.
type Outcome uint8

const (
	// OutcomeConverged: both endpoints agree on the new path.
	OutcomeConverged Outcome = iota + 1
	// OutcomeRejected: the mutation was refused as the policy requires.
	OutcomeRejected
	// OutcomeAbandoned: the candidate path never validated, as required.
	OutcomeAbandoned
	// OutcomeObserved: the expected probes or address reports were seen.
	OutcomeObserved
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeConverged:
		return "converged"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeObserved:
		return "observed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Report summarizes one scenario run.
type Report struct {
	// Name is the case name, see Params.Name.
	Name string

	// Outcome is zero when the run failed.
	Outcome Outcome

	// Attempts counts transport operations made by collision retry loops.
	Attempts int

	// Duration is the wall time of the run including setup and teardown.
	Duration time.Duration

	// Target is the path the initiator moved to or probed, as seen by the
	// initiator.
	Target transport.Path
}

// -------------------------------------------------------------------------
// Timeouts
// -------------------------------------------------------------------------

// Timeouts bounds every wait of a scenario.
type Timeouts struct {
	// Base bounds handshakes and single-path probe observations.
	Base time.Duration

	// PeerAddressChange bounds the wait for the peer to follow a migration.
	PeerAddressChange time.Duration

	// ProbeMultiplier scales Base for probes under injected loss.
	ProbeMultiplier int

	// MultiPathMultiplier scales Base for the multi-path fan-out.
	MultiPathMultiplier int

	// FailedProbeWindow is how long a path that must not validate is
	// watched.
	FailedProbeWindow time.Duration

	// ConfirmationDelay is slept before direct activation so the handshake
	// is confirmed.
	ConfirmationDelay time.Duration

	// StreamCount bounds the wait for the stream limit confirmation.
	StreamCount time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Base:                2 * time.Second,
		PeerAddressChange:   1500 * time.Millisecond,
		ProbeMultiplier:     10,
		MultiPathMultiplier: 20,
		FailedProbeWindow:   5 * time.Second,
		ConfirmationDelay:   100 * time.Millisecond,
		StreamCount:         1500 * time.Millisecond,
	}
}

// Defaults for Runner policy constants.
const (
	DefaultIterations = 50
	DefaultKeepAlive  = 25 * time.Millisecond
)

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives scenario measurements. A reporter that also
// implements addralloc.MetricsReporter receives allocation retries too.
type MetricsReporter interface {
	// RecordScenario records a finished run; outcome is an Outcome name
	// or "failed".
	RecordScenario(kind, outcome string, d time.Duration)

	// AddProbesDropped records probes swallowed by a probe observer.
	AddProbesDropped(kind string, n uint64)

	// IncProbesObserved records a probe observed in one direction.
	IncProbesObserved(kind, direction string)

	// ObserveWait records how long a successful wait took.
	ObserveWait(signal string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordScenario(string, string, time.Duration) {}
func (noopMetrics) AddProbesDropped(string, uint64)              {}
func (noopMetrics) IncProbesObserved(string, string)             {}
func (noopMetrics) ObserveWait(string, time.Duration)            {}

// -------------------------------------------------------------------------
// Runner
// -------------------------------------------------------------------------

// StackFactory creates the transport stack for one scenario run. The
// runner closes the stack when the run ends.
type StackFactory func() (transport.Stack, error)

// Runner executes scenarios. A Runner holds no per-run state and may run
// scenarios concurrently.
type Runner struct {
	newStack StackFactory
	logger   *slog.Logger

	timeouts     Timeouts
	maxAttempts  int
	iterations   int
	keepAlive    time.Duration
	metrics      MetricsReporter
	allocMetrics addralloc.MetricsReporter
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeouts replaces the wait bounds. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(r *Runner) {
		d := &r.timeouts
		if t.Base > 0 {
			d.Base = t.Base
		}
		if t.PeerAddressChange > 0 {
			d.PeerAddressChange = t.PeerAddressChange
		}
		if t.ProbeMultiplier > 0 {
			d.ProbeMultiplier = t.ProbeMultiplier
		}
		if t.MultiPathMultiplier > 0 {
			d.MultiPathMultiplier = t.MultiPathMultiplier
		}
		if t.FailedProbeWindow > 0 {
			d.FailedProbeWindow = t.FailedProbeWindow
		}
		if t.ConfirmationDelay > 0 {
			d.ConfirmationDelay = t.ConfirmationDelay
		}
		if t.StreamCount > 0 {
			d.StreamCount = t.StreamCount
		}
	}
}

// WithMaxAttempts bounds every collision retry loop. Values below 1 are
// ignored.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n >= 1 {
			r.maxAttempts = n
		}
	}
}

// WithIterations sets the number of rebindings in LocalPathChanges.
func WithIterations(n int) Option {
	return func(r *Runner) {
		if n >= 1 {
			r.iterations = n
		}
	}
}

// WithKeepAlive sets the keep-alive interval the client uses to carry
// traffic on the active path.
func WithKeepAlive(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.keepAlive = d
		}
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(r *Runner) {
		if mr == nil {
			return
		}
		r.metrics = mr
		if am, ok := mr.(addralloc.MetricsReporter); ok {
			r.allocMetrics = am
		}
	}
}

// New creates a Runner that builds a fresh stack with newStack for every
// scenario.
func New(newStack StackFactory, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		newStack:    newStack,
		logger:      logger.With(slog.String("component", "scenario")),
		timeouts:    DefaultTimeouts(),
		maxAttempts: addralloc.DefaultMaxAttempts,
		iterations:  DefaultIterations,
		keepAlive:   DefaultKeepAlive,
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeouts returns the effective wait bounds.
func (r *Runner) Timeouts() Timeouts { return r.timeouts }
