package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/stellar-lineage/internal/adapter"
	"github.com/stellar-lineage/internal/models"
)

// horizonDatasets fetches the raw account, operations and effects documents
type horizonDatasets struct {
	ledger adapter.LedgerSource
}

func (s *horizonDatasets) prepare(context.Context, []*models.LineageEntry) enrichFunc {
	return s.enrich
}

func (s *horizonDatasets) enrich(ctx context.Context, e *models.LineageEntry) (models.LineageUpdate, error) {
	account, err := s.ledger.FetchAccount(ctx, e.Network, e.AccountAddress)
	if err != nil {
		return models.LineageUpdate{}, err
	}

	var operations, effects json.RawMessage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := s.ledger.FetchOperations(gctx, e.Network, e.AccountAddress)
		operations = raw
		return err
	})
	g.Go(func() error {
		raw, err := s.ledger.FetchEffects(gctx, e.Network, e.AccountAddress)
		effects = raw
		return err
	})
	if err := g.Wait(); err != nil {
		return models.LineageUpdate{}, err
	}

	return models.LineageUpdate{
		AccountsRaw:   account,
		OperationsRaw: operations,
		EffectsRaw:    effects,
	}, nil
}

// rawDataStage decodes the account document
type rawDataStage struct{}

func (rawDataStage) prepare(context.Context, []*models.LineageEntry) enrichFunc {
	return func(_ context.Context, e *models.LineageEntry) (models.LineageUpdate, error) {
		data, err := adapter.ParseAccount(e.AccountsRaw)
		if err != nil {
			return models.LineageUpdate{}, err
		}
		return models.LineageUpdate{
			HomeDomain:    &data.HomeDomain,
			Balance:       &data.Balance,
			AttributesRaw: data.Attributes,
			AssetsRaw:     data.Assets,
		}, nil
	}
}

// operationsStage finds the creating operation of the account
type operationsStage struct{}

func (operationsStage) prepare(context.Context, []*models.LineageEntry) enrichFunc {
	return func(_ context.Context, e *models.LineageEntry) (models.LineageUpdate, error) {
		info, err := adapter.ParseCreation(e.OperationsRaw, e.AccountAddress)
		if err != nil {
			return models.LineageUpdate{}, err
		}
		if info == nil {
			// no create_account on the first page: creator stays unknown
			return models.LineageUpdate{}, nil
		}
		return models.LineageUpdate{
			CreatorAddress:      &info.Creator,
			CreatedAtLedgerTime: &info.CreatedAt,
		}, nil
	}
}

// flagsStage is a pass-through reserved for account flag enrichment
type flagsStage struct{}

func (flagsStage) prepare(context.Context, []*models.LineageEntry) enrichFunc {
	return func(context.Context, *models.LineageEntry) (models.LineageUpdate, error) {
		return models.LineageUpdate{}, nil
	}
}

// directoryStage merges known-entity labels into tags and attributes
type directoryStage struct {
	directory adapter.DirectorySource
}

func (s *directoryStage) prepare(context.Context, []*models.LineageEntry) enrichFunc {
	return s.enrich
}

func (s *directoryStage) enrich(ctx context.Context, e *models.LineageEntry) (models.LineageUpdate, error) {
	rec, err := s.directory.Lookup(ctx, e.Network, e.AccountAddress)
	if err != nil {
		return models.LineageUpdate{}, err
	}
	if rec == nil {
		return models.LineageUpdate{}, nil
	}

	attrs, err := mergeDirectory(e.AttributesRaw, rec)
	if err != nil {
		return models.LineageUpdate{}, err
	}
	return models.LineageUpdate{
		Tags:          mergeTags(e.Tags, rec.Tags),
		AttributesRaw: attrs,
	}, nil
}

func mergeTags(existing, extra []string) []string {
	out := make([]string, 0, len(existing)+len(extra))
	seen := make(map[string]bool, len(existing)+len(extra))
	for _, list := range [][]string{existing, extra} {
		for _, tag := range list {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

func mergeDirectory(raw json.RawMessage, rec *adapter.DirectoryRecord) (json.RawMessage, error) {
	attrs := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	attrs["directory"] = map[string]string{
		"name":   rec.Name,
		"domain": rec.Domain,
	}
	out, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return out, nil
}
