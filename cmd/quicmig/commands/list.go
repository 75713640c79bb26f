package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) listCmd() *cobra.Command {
	var sel selection

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the cases the run command would execute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := sel.apply(cmd, a.cfg); err != nil {
				return err
			}

			cases, err := buildCases(a.cfg, a.logger, nil)
			if err != nil {
				return err
			}

			text, err := formatCases(cases, a.outputFormat)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, text)
			return nil
		},
	}

	sel.register(cmd)
	return cmd
}
