package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/quicmig/internal/config"
	migmetrics "github.com/dantte-lp/quicmig/internal/metrics"
	"github.com/dantte-lp/quicmig/internal/quicgo"
	"github.com/dantte-lp/quicmig/internal/scenario"
	"github.com/dantte-lp/quicmig/internal/simnet"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// shutdownTimeout bounds the metrics server drain after the suite ends.
const shutdownTimeout = 10 * time.Second

// errSuiteFailed is returned when at least one case did not pass.
var errSuiteFailed = errors.New("scenario suite failed")

// -------------------------------------------------------------------------
// Selection flags
// -------------------------------------------------------------------------

// selection holds the flags shared by run and list.
type selection struct {
	scenarios []string
	families  []string
	stack     string
	platform  string
}

func (s *selection) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&s.scenarios, "scenario", "s", nil,
		"scenario kinds to select (default: suite.scenarios or all)")
	cmd.Flags().StringSliceVarP(&s.families, "family", "f", nil,
		"address families: v4, v6 (default: suite.families)")
	cmd.Flags().StringVar(&s.stack, "stack", "",
		"transport stack: simnet, quicgo (default: stack.kind)")
	cmd.Flags().StringVar(&s.platform, "platform", "",
		"simulated socket platform: host, posix, windows (default: stack.platform)")
}

// apply overlays the flags that were set onto cfg and revalidates it.
func (s *selection) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("scenario") {
		cfg.Suite.Scenarios = s.scenarios
	}
	if flags.Changed("family") {
		cfg.Suite.Families = s.families
	}
	if flags.Changed("stack") {
		cfg.Stack.Kind = s.stack
	}
	if flags.Changed("platform") {
		cfg.Stack.Platform = s.platform
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate flags: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Suite assembly
// -------------------------------------------------------------------------

// newStackFactory returns a factory building a fresh stack of the
// configured kind for every scenario run.
func newStackFactory(cfg *config.Config, logger *slog.Logger) (scenario.StackFactory, error) {
	switch cfg.Stack.Kind {
	case config.StackSimnet:
		platform, err := transport.ParsePlatform(cfg.Stack.Platform)
		if err != nil {
			return nil, fmt.Errorf("stack platform: %w", err)
		}
		opts := []simnet.Option{
			simnet.WithPlatform(platform),
			simnet.WithTick(cfg.Stack.Tick),
			simnet.WithProbeInterval(cfg.Stack.ProbeInterval),
			simnet.WithMaxProbeAttempts(cfg.Stack.MaxProbeAttempts),
			simnet.WithLogger(logger),
		}
		return func() (transport.Stack, error) {
			return simnet.New(opts...), nil
		}, nil

	case config.StackQUICGo:
		return func() (transport.Stack, error) {
			s, err := quicgo.New(
				quicgo.WithLogger(logger),
				quicgo.WithHandshakeTimeout(cfg.Timeouts.Base),
			)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil

	default:
		return nil, fmt.Errorf("stack %q: %w", cfg.Stack.Kind, config.ErrInvalidStackKind)
	}
}

// buildCases assembles the runner and returns the selected cases.
func buildCases(cfg *config.Config, logger *slog.Logger, mr scenario.MetricsReporter) ([]scenario.Case, error) {
	families, err := cfg.Suite.ParsedFamilies()
	if err != nil {
		return nil, err
	}
	kinds, err := cfg.Suite.ParsedScenarios()
	if err != nil {
		return nil, err
	}
	factory, err := newStackFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	runner := scenario.New(factory, logger,
		scenario.WithTimeouts(cfg.Timeouts.Scenario()),
		scenario.WithMaxAttempts(cfg.Retry.MaxAttempts),
		scenario.WithIterations(cfg.Suite.Iterations),
		scenario.WithKeepAlive(cfg.Suite.KeepAlive),
		scenario.WithMetrics(mr),
	)

	return scenario.Filter(runner.Matrix(families...), kinds...), nil
}

// -------------------------------------------------------------------------
// Execution
// -------------------------------------------------------------------------

// caseResult is the outcome of one case.
type caseResult struct {
	Name   string
	Kind   scenario.Kind
	Report scenario.Report
	Err    error
}

// Passed reports whether the case ended without error.
func (r caseResult) Passed() bool { return r.Err == nil }

// runCases runs cases with at most parallel in flight. Results keep the
// order of cases. A canceled ctx fails the cases not yet finished.
func runCases(ctx context.Context, cases []scenario.Case, parallel int, logger *slog.Logger) []caseResult {
	results := make([]caseResult, len(cases))

	g := new(errgroup.Group)
	g.SetLimit(max(parallel, 1))

	for i, c := range cases {
		g.Go(func() error {
			res := caseResult{Name: c.Name, Kind: c.Kind}
			if err := ctx.Err(); err != nil {
				res.Err = err
				results[i] = res
				return nil
			}

			res.Report, res.Err = c.Run(ctx)
			if res.Err != nil {
				logger.Warn("case failed",
					slog.String("case", c.Name),
					slog.String("error", res.Err.Error()),
				)
			} else {
				logger.Info("case passed",
					slog.String("case", c.Name),
					slog.String("outcome", res.Report.Outcome.String()),
					slog.Duration("duration", res.Report.Duration),
				)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return results
}

// runSuite runs cases while serving metrics from reg when addr is set.
// The metrics server is shut down once the cases finish.
func runSuite(
	ctx context.Context,
	cases []scenario.Case,
	cfg *config.Config,
	reg *prometheus.Registry,
	logger *slog.Logger,
) ([]caseResult, error) {
	g, gCtx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = newMetricsServer(cfg.Metrics, reg)
		lc := &net.ListenConfig{}
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, lc, srv, cfg.Metrics.Addr)
		})
	}

	var results []caseResult
	g.Go(func() error {
		results = runCases(gCtx, cases, cfg.Suite.Parallel, logger)
		if srv == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// listenAndServe creates a listener using the ListenConfig and serves HTTP.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newRegistry returns a registry with the scenario collector registered.
func newRegistry() (*prometheus.Registry, *migmetrics.Collector) {
	reg := prometheus.NewRegistry()
	return reg, migmetrics.NewCollector(reg)
}
