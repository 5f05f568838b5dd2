package main

import (
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Reset or fail records stuck in a stage",
	Long: `Sweep lineage and search cache rows that have sat in a pending or
in-progress status longer than their threshold. Rows under the retry limit
are reset to the stage input; the rest are marked FAILED.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		summary, err := lineApp.Recovery.Sweep(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <address>",
	Short: "Send a finished or failed account back through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		net, err := selectedNetwork()
		if err != nil {
			return err
		}
		res, err := lineApp.Recovery.Requeue(cmd.Context(), args[0], net)
		if err != nil {
			return err
		}
		if lineApp.Cache != nil {
			if err := lineApp.Cache.InvalidateTree(cmd.Context(), args[0], net); err != nil {
				lineApp.Logger.WithError(err).Warn("Failed to invalidate cached tree")
			}
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	recoverCmd.Flags().Bool("dry-run", false, "report what would change without writing")
	rootCmd.AddCommand(recoverCmd, requeueCmd)
}
