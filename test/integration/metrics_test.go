//go:build integration

package integration_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	migmetrics "github.com/dantte-lp/quicmig/internal/metrics"
	"github.com/dantte-lp/quicmig/internal/scenario"
	"github.com/dantte-lp/quicmig/internal/simnet"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// TestMetricsEndpoint runs a slice of the matrix on the simulated network
// and scrapes the collector over HTTP.
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collector := migmetrics.NewCollector(reg)

	factory := func() (transport.Stack, error) {
		return simnet.New(
			simnet.WithPlatform(transport.PlatformPosix),
			simnet.WithTick(time.Millisecond),
			simnet.WithProbeInterval(5*time.Millisecond),
			simnet.WithLogger(discard),
		), nil
	}
	r := scenario.New(factory, discard,
		scenario.WithMetrics(collector),
		scenario.WithTimeouts(scenario.Timeouts{FailedProbeWindow: 200 * time.Millisecond}),
	)

	cases := scenario.Filter(r.Matrix(transport.FamilyV4),
		scenario.KindProbePath, scenario.KindProbePathFailed)
	for _, c := range cases {
		if _, err := c.Run(context.Background()); err != nil {
			t.Fatalf("%s: %v", c.Name, err)
		}
	}

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}

	for _, want := range []string{
		`quicmig_scenario_runs_total{kind="ProbePath",outcome="observed"}`,
		`quicmig_scenario_runs_total{kind="ProbePathFailed",outcome="abandoned"}`,
		`quicmig_scenario_probes_dropped_total{kind="ProbePath"}`,
		`quicmig_scenario_probes_observed_total{direction="server",kind="ProbePath"}`,
		`quicmig_scenario_wait_seconds_bucket{signal="probe_client"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
