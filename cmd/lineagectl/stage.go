package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stellar-lineage/internal/pipeline"
)

var runStageCmd = &cobra.Command{
	Use:   "run-stage <name|number>...",
	Short: "Run stage processors once",
	Long: `Run one invocation of each named stage, in the order given. Stages are
named by number (1-8) or by name, e.g. horizon_api_datasets. Use "all" to
run every stage in order.

Examples:
  lineagectl run-stage 1
  lineagectl run-stage horizon_api_datasets updating_from_raw_data
  lineagectl run-stage all --passes 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStages,
}

func init() {
	runStageCmd.Flags().Int("passes", 1, "number of times to run the selected stages")
	rootCmd.AddCommand(runStageCmd)
}

func runStages(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	passes, _ := cmd.Flags().GetInt("passes")
	if passes < 1 {
		passes = 1
	}

	var procs []pipeline.Processor
	for _, name := range args {
		if name == "all" {
			procs = append(procs, lineApp.Pipeline.Processors()...)
			continue
		}
		p, err := lineApp.Pipeline.Processor(name)
		if err != nil {
			return err
		}
		procs = append(procs, p)
	}

	var results []*pipeline.RunResult
	for i := 0; i < passes; i++ {
		for _, p := range procs {
			res, err := p.Run(ctx)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
	}
	return printJSON(cmd.OutOrStdout(), results)
}
