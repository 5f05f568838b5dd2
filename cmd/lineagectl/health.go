package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stellar-lineage/internal/types"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the latest health of every stage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		report, err := lineApp.Monitor.Report(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

var healthSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark healthy every stage whose unhealthy mark has outlived the buffer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cleared, err := lineApp.Monitor.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": cleared})
	},
}

var healthMarkCmd = &cobra.Command{
	Use:   "mark <stage> <healthy|unhealthy>",
	Short: "Manually mark a stage healthy or unhealthy",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := lineApp.Pipeline.Processor(args[0])
		if err != nil {
			return err
		}
		st := p.Stage()
		switch args[1] {
		case "healthy":
			err = lineApp.Monitor.MarkHealthy(cmd.Context(), st.Name, types.HealthReasonManual)
		case "unhealthy":
			err = lineApp.Monitor.MarkUnhealthy(cmd.Context(), st.Name, types.HealthReasonManual)
		default:
			return fmt.Errorf("unknown health state %q", args[1])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s marked %s\n", st.Name, args[1])
		return nil
	},
}

func init() {
	healthCmd.AddCommand(healthSweepCmd, healthMarkCmd)
	rootCmd.AddCommand(healthCmd)
}
