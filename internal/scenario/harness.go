package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/datapath"
	"github.com/dantte-lp/quicmig/internal/latch"
	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// harness is the state of one scenario run: the stack, both endpoints and
// the report under construction. It is owned by the runner goroutine.
type harness struct {
	r      *Runner
	kind   Kind
	family transport.Family
	logger *slog.Logger
	report Report

	stack    transport.Stack
	listener transport.Listener
	client   transport.Connection
	clientS  *session.Session
	serverS  *session.Session
}

// endpoints configures both sides of a run.
type endpoints struct {
	client transport.Config
	server transport.Config

	// serverInitiated swaps the session roles: the client session raises
	// the stream limit when its peer moves and the server session waits
	// for that confirmation.
	serverInitiated bool

	// plain sessions neither raise the stream limit nor close peer streams.
	plain bool

	share     bool
	keepAlive time.Duration
}

// run executes body against a fresh harness and finalizes the report.
func (r *Runner) run(ctx context.Context, kind Kind, p Params, body func(context.Context, *harness) error) (Report, error) {
	name := p.Name(kind)
	h := &harness{
		r:      r,
		kind:   kind,
		family: p.Family,
		logger: r.logger.With(slog.String("scenario", name)),
		report: Report{Name: name},
	}

	start := time.Now()
	h.logger.Debug("scenario started")
	err := h.execute(ctx, body)
	h.report.Duration = time.Since(start)

	if err != nil {
		h.report.Outcome = 0
		h.logger.Warn("scenario failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", h.report.Duration),
		)
		r.metrics.RecordScenario(string(kind), "failed", h.report.Duration)
		return h.report, fmt.Errorf("%s: %w", name, err)
	}

	h.logger.Info("scenario passed",
		slog.String("outcome", h.report.Outcome.String()),
		slog.Int("attempts", h.report.Attempts),
		slog.Duration("duration", h.report.Duration),
	)
	r.metrics.RecordScenario(string(kind), h.report.Outcome.String(), h.report.Duration)
	return h.report, nil
}

func (h *harness) execute(ctx context.Context, body func(context.Context, *harness) error) (err error) {
	if !h.family.Valid() {
		return fmt.Errorf("family %d: %w", h.family, transport.ErrInvalidParameter)
	}

	stack, err := h.r.newStack()
	if err != nil {
		return fmt.Errorf("create stack: %w", err)
	}
	h.stack = stack
	defer func() {
		if cerr := h.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return body(ctx, h)
}

// close releases the endpoints and the stack.
func (h *harness) close() error {
	var errs []error
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
	}
	if h.listener != nil {
		if err := h.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	if err := h.stack.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stack: %w", err))
	}
	return errors.Join(errs...)
}

// -------------------------------------------------------------------------
// Preamble
// -------------------------------------------------------------------------

// open creates both sessions, starts the listener on the loopback address
// of the run's family and creates the client connection without starting
// it.
func (h *harness) open(ctx context.Context, ep endpoints) error {
	clientOpts := []session.Option{session.WithLogger(h.logger)}
	serverOpts := []session.Option{session.WithLogger(h.logger)}
	switch {
	case ep.plain:
	case ep.serverInitiated:
		clientOpts = append(clientOpts, session.WithStreamLimitBump())
		serverOpts = append(serverOpts, session.WithPeerStreamClose())
	default:
		clientOpts = append(clientOpts, session.WithPeerStreamClose())
		serverOpts = append(serverOpts, session.WithStreamLimitBump())
	}
	h.clientS = session.New(session.RoleClient, clientOpts...)
	h.serverS = session.New(session.RoleServer, serverOpts...)

	l, err := h.stack.Listen(ep.server, h.serverS)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	h.listener = l
	if err := l.Start(ctx, netip.AddrPortFrom(h.family.Loopback(), 0)); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	c, err := h.stack.NewConnection(ep.client, h.clientS)
	if err != nil {
		return fmt.Errorf("new connection: %w", err)
	}
	h.client = c

	if ep.share {
		if err := c.SetShareBinding(true); err != nil {
			return fmt.Errorf("share binding: %w", err)
		}
	}
	if ep.keepAlive > 0 {
		if err := setKeepAlive(c, ep.keepAlive); err != nil {
			return err
		}
	}
	return nil
}

// start connects the client to the listener.
func (h *harness) start(ctx context.Context) error {
	remote := h.listener.LocalAddr()
	if err := h.client.Start(ctx, h.family, remote); err != nil {
		return fmt.Errorf("start connection to %s: %w", remote, err)
	}
	return nil
}

// awaitHandshake waits for both sides to complete the handshake.
func (h *harness) awaitHandshake(ctx context.Context) error {
	base := h.r.timeouts.Base
	if err := h.wait(ctx, h.clientS.HandshakeComplete(), base, "client_handshake"); err != nil {
		return err
	}
	if err := h.wait(ctx, h.serverS.HandshakeComplete(), base, "server_handshake"); err != nil {
		return err
	}
	if h.clientS.Connection() == nil {
		return fmt.Errorf("client handshake: %w", transport.ErrClosed)
	}
	if _, err := h.server(); err != nil {
		return err
	}

	h.logger.Debug("handshake complete",
		slog.String("local", h.client.LocalAddr().String()),
		slog.String("remote", h.client.RemoteAddr().String()),
	)
	return nil
}

// connect starts the client and waits for the handshake.
func (h *harness) connect(ctx context.Context) error {
	if err := h.start(ctx); err != nil {
		return err
	}
	return h.awaitHandshake(ctx)
}

// server returns the accepted connection. Valid after the server's
// handshake latch fired.
func (h *harness) server() (transport.Connection, error) {
	c := h.serverS.Connection()
	if c == nil {
		return nil, ErrNoPeer
	}
	return c, nil
}

// hooks returns the stack's datapath hooks. Scenarios that observe or
// rewrite packets cannot run without them.
func (h *harness) hooks() (transport.HookRegistry, error) {
	reg := h.stack.Hooks()
	if reg == nil {
		return nil, fmt.Errorf("%s needs datapath hooks: %w", h.kind, transport.ErrNotSupported)
	}
	return reg, nil
}

// -------------------------------------------------------------------------
// Waiting
// -------------------------------------------------------------------------

// wait blocks until l fires, the timeout expires or ctx is done.
func (h *harness) wait(ctx context.Context, l *latch.Latch, timeout time.Duration, signal string) error {
	start := time.Now()
	if l.WaitContext(ctx, timeout) {
		h.r.metrics.ObserveWait(signal, time.Since(start))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait %s: %w", signal, err)
	}
	return fmt.Errorf("wait %s after %s: %w", signal, timeout, ErrTimeout)
}

// pollInterval is how often until re-evaluates its condition.
const pollInterval = 5 * time.Millisecond

// until polls cond until it holds, the timeout expires or ctx is done. It
// serves counters that no event announces.
func (h *harness) until(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for !cond() {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("wait %s after %s: %w", what, timeout, ErrTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("wait %s: %w", what, ctx.Err())
		}
	}
	return nil
}

// sleep pauses for d unless ctx is done first.
func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep: %w", ctx.Err())
	}
}

// -------------------------------------------------------------------------
// Allocation
// -------------------------------------------------------------------------

// allocator returns an Allocator that never yields the listener port.
func (h *harness) allocator(s addralloc.Strategy) *addralloc.Allocator {
	opts := []addralloc.Option{
		addralloc.WithStrategy(s),
		addralloc.WithMaxAttempts(h.r.maxAttempts),
		addralloc.WithLogger(h.logger),
		addralloc.WithMetrics(h.r.allocMetrics),
	}
	if h.listener != nil {
		opts = append(opts, addralloc.WithExclude(h.listener.LocalAddr().Port()))
	}
	return addralloc.New(opts...)
}

// retry runs attempt through the allocator's collision retry and counts
// the calls in the report.
func (h *harness) retry(
	alloc *addralloc.Allocator,
	op string,
	first netip.AddrPort,
	attempt func(candidate netip.AddrPort) error,
) (netip.AddrPort, error) {
	addr, n, err := alloc.Retry(op, first, attempt)
	h.report.Attempts += n
	switch {
	case err == nil:
		return addr, nil
	case errors.Is(err, addralloc.ErrAttemptsExhausted):
		return addr, err
	default:
		return addr, fmt.Errorf("%w: %w", ErrUnexpectedStatus, err)
	}
}

// expect checks the status of a policy-sensitive operation. It reports
// stop when the operation was rejected as the policy requires, in which
// case the scenario ends without a convergence check.
func (h *harness) expect(op string, err error, rejected bool) (bool, error) {
	h.report.Attempts++
	switch {
	case rejected && transport.IsAddressInUse(err):
		h.logger.Info("operation rejected as required", slog.String("op", op))
		h.report.Outcome = OutcomeRejected
		return true, nil
	case rejected:
		return false, fmt.Errorf("%s: want address in use, got %v: %w", op, err, ErrUnexpectedStatus)
	case err != nil:
		return false, fmt.Errorf("%s: %w: %w", op, ErrUnexpectedStatus, err)
	}
	return false, nil
}

// must wraps a non-retryable operation status.
func must(op string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnexpectedStatus, err)
	}
	return nil
}

// setKeepAlive changes only the keep-alive interval of c.
func setKeepAlive(c transport.Connection, d time.Duration) error {
	s := c.Settings()
	s.KeepAlive = d
	return must("set keep-alive", c.SetSettings(s))
}

// -------------------------------------------------------------------------
// Probe Observation
// -------------------------------------------------------------------------

// probe owns the Observer of the current candidate. Rearming replaces the
// observer of a stale candidate; release is safe on every exit path.
type probe struct {
	h   *harness
	reg transport.HookRegistry
	cfg datapath.ObserverConfig
	obs *datapath.Observer
}

func (h *harness) newProbe(reg transport.HookRegistry, drops uint8, remoteKeyed bool) *probe {
	return &probe{
		h:   h,
		reg: reg,
		cfg: datapath.ObserverConfig{ServerDrops: drops, ClientDrops: drops, RemoteKeyed: remoteKeyed},
	}
}

// arm installs a fresh observer keyed on port.
func (p *probe) arm(port uint16) {
	p.release()
	cfg := p.cfg
	cfg.Port = port
	p.obs = datapath.NewObserver(p.reg, cfg, datapath.WithObserverLogger(p.h.logger))
}

// release uninstalls the observer and records its drops.
func (p *probe) release() {
	if p.obs == nil {
		return
	}
	p.obs.Close()
	if n := p.obs.Dropped(); n > 0 {
		p.h.r.metrics.AddProbesDropped(string(p.h.kind), n)
	}
	p.obs = nil
}

// await waits for both directions of the current observer.
func (p *probe) await(ctx context.Context, timeout time.Duration) error {
	if p.obs == nil {
		return fmt.Errorf("await probe: %w", transport.ErrInvalidState)
	}
	return awaitObserver(ctx, p.h, p.obs, timeout)
}

func awaitObserver(ctx context.Context, h *harness, obs *datapath.Observer, timeout time.Duration) error {
	port := fmt.Sprintf("port %d", obs.Port())
	if err := h.wait(ctx, obs.ServerReceived(), timeout, "probe_server"); err != nil {
		return fmt.Errorf("%s: %w", port, err)
	}
	h.r.metrics.IncProbesObserved(string(h.kind), "server")
	if err := h.wait(ctx, obs.ClientReceived(), timeout, "probe_client"); err != nil {
		return fmt.Errorf("%s: %w", port, err)
	}
	h.r.metrics.IncProbesObserved(string(h.kind), "client")
	return nil
}

// checkDrops fails when c counted dropped packets.
func checkDrops(c transport.Connection) error {
	if n := c.Statistics().RecvDroppedPackets; n != 0 {
		return fmt.Errorf("%d packets: %w", n, ErrDroppedPackets)
	}
	return nil
}

// checkAddr compares an address an endpoint reports with the one the
// scenario computed.
func checkAddr(what string, got, want netip.AddrPort) error {
	if !transport.AddrEqual(got, want) {
		return fmt.Errorf("%s is %s, want %s: %w", what, got, want, ErrAddressMismatch)
	}
	return nil
}
