package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
)

type accountStatus struct {
	Search  *models.SearchCacheEntry       `json:"search,omitempty"`
	Lineage *models.LineageEntry           `json:"lineage,omitempty"`
	Stages  []*models.StageExecutionRecord `json:"stages"`
}

var statusCmd = &cobra.Command{
	Use:   "status <address>",
	Short: "Show the search entry, lineage row and stage records of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		net, err := selectedNetwork()
		if err != nil {
			return err
		}
		ctx, account := cmd.Context(), args[0]

		var out accountStatus
		se, err := lineApp.Store.GetSearchEntry(ctx, account, net)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		out.Search = se

		e, err := lineApp.Store.GetLineage(ctx, account, net)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		out.Lineage = e

		if out.Stages, err = lineApp.Tracker.List(ctx, account, net); err != nil {
			return err
		}
		if out.Search == nil && out.Lineage == nil {
			return storage.ErrNotFound
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <address>",
	Short: "Submit an account search as the API would",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		net, err := selectedNetwork()
		if err != nil {
			return err
		}
		res, err := lineApp.Search.Search(cmd.Context(), args[0], net)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var usageCmd = &cobra.Command{
	Use:   "warehouse-usage",
	Short: "Show today's warehouse byte budget usage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if lineApp.Budget == nil {
			return errors.New("warehouse is disabled")
		}
		usage, err := lineApp.Budget.Usage(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), usage)
	},
}

var cacheFlushCmd = &cobra.Command{
	Use:   "cache-flush",
	Short: "Drop every cached lineage tree of the selected network",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if lineApp.Cache == nil {
			return errors.New("tree cache is disabled")
		}
		net, err := selectedNetwork()
		if err != nil {
			return err
		}
		return lineApp.Cache.InvalidateNetwork(cmd.Context(), net)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, searchCmd, usageCmd, cacheFlushCmd)
}
