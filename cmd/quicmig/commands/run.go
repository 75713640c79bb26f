package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (a *app) runCmd() *cobra.Command {
	var (
		sel      selection
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the selected scenarios and report their outcomes",
		Example: "  quicmig run\n" +
			"  quicmig run -s Migration,ServerMigration -f v4 --platform windows\n" +
			"  quicmig run --stack quicgo -s Handshake --format json",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("parallel") {
				a.cfg.Suite.Parallel = parallel
			}
			if err := sel.apply(cmd, a.cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg, collector := newRegistry()
			cases, err := buildCases(a.cfg, a.logger, collector)
			if err != nil {
				return err
			}

			a.logger.Info("running scenarios",
				slog.Int("cases", len(cases)),
				slog.String("stack", a.cfg.Stack.Kind),
				slog.Int("parallel", a.cfg.Suite.Parallel),
			)

			results, err := runSuite(ctx, cases, a.cfg, reg, a.logger)
			if err != nil {
				return err
			}

			text, err := formatResults(results, a.outputFormat)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, text)

			if failed := countFailed(results); failed > 0 {
				return fmt.Errorf("%w: %d of %d cases", errSuiteFailed, failed, len(results))
			}
			return nil
		},
	}

	sel.register(cmd)
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1,
		"number of cases run concurrently (default: suite.parallel)")

	return cmd
}

func countFailed(results []caseResult) int {
	n := 0
	for _, r := range results {
		if !r.Passed() {
			n++
		}
	}
	return n
}
