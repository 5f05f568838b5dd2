// Command lineagectl operates the lineage pipeline by hand: it runs single
// stages, sweeps stuck records, manages stage health and requeues accounts.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stellar-lineage/internal/app"
	"github.com/stellar-lineage/internal/config"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/types"
)

var (
	cfg     *config.Config
	lineApp *app.App
	network string
)

var rootCmd = &cobra.Command{
	Use:           "lineagectl",
	Short:         "Operate the Stellar account lineage pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		app.InitLogging(cfg.Logging)

		a, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		lineApp = a
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if lineApp != nil {
			lineApp.Close()
		}
		_ = logging.GetGlobalLogger().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&network, "network", string(types.NetworkPublic), "network: public or testnet")
}

func selectedNetwork() (types.Network, error) {
	return types.ParseNetwork(network)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
