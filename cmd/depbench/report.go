package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiihann/depbench/record"
	"github.com/weiihann/depbench/report"
)

func newReportCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "report <results.csv>",
		Short: "Summarize a results file",
		Long: `Print a per-project comparison table and per-tool run time statistics
grouped by LoC for a results CSV written by "depbench run".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, tools, err := record.ReadFile(args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				if err := report.GenerateJSON(cmd.OutOrStdout(), rows); err != nil {
					return fmt.Errorf("generate JSON report: %w", err)
				}

				return nil
			}

			if err := report.Generate(cmd.OutOrStdout(), rows, tools); err != nil {
				return fmt.Errorf("generate report: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false,
		"Output results as JSON instead of table")

	return cmd
}
