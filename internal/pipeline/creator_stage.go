package pipeline

import (
	"context"
	"fmt"

	"github.com/stellar-lineage/internal/adapter"
	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/types"
)

// selfCreatorNote is recorded when an account claims to have created itself
const selfCreatorNote = "self-referential creator"

// creatorStage confirms the creator link. Entries whose creation is still
// unknown are looked up in the warehouse with one query per network.
type creatorStage struct {
	creators  adapter.CreatorSource
	validator *adapter.AddressValidator
}

type creatorLookup struct {
	found map[string]adapter.CreationInfo
	err   error
}

func (s *creatorStage) prepare(ctx context.Context, entries []*models.LineageEntry) enrichFunc {
	lookups := make(map[types.Network]*creatorLookup)
	if s.creators != nil {
		pending := make(map[types.Network][]string)
		for _, e := range entries {
			if needsCreatorLookup(e) {
				pending[e.Network] = append(pending[e.Network], e.AccountAddress)
			}
		}
		for network, accounts := range pending {
			found, err := s.creators.FetchCreators(ctx, network, accounts)
			if err != nil {
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"network":  network,
					"accounts": len(accounts),
				}).WithError(err).Warn("Warehouse creator lookup failed")
			}
			lookups[network] = &creatorLookup{found: found, err: err}
		}
	}

	return func(ctx context.Context, e *models.LineageEntry) (models.LineageUpdate, error) {
		creator := e.Creator()
		u := models.LineageUpdate{}

		if needsCreatorLookup(e) {
			if l := lookups[e.Network]; l != nil {
				if l.err != nil {
					return models.LineageUpdate{}, l.err
				}
				if info, ok := l.found[e.AccountAddress]; ok {
					creator = info.Creator
					createdAt := info.CreatedAt
					u.CreatedAtLedgerTime = &createdAt
				}
			}
		}

		switch {
		case creator == "":
			// no creator found: the entry is a root
		case creator == e.AccountAddress:
			u.ClearCreator = true
			note := selfCreatorNote
			u.LastError = &note
		default:
			if err := s.validator.ValidateStrict(creator); err != nil {
				return models.LineageUpdate{}, apperrors.NewInvalidError(types.InvalidReasonCreatorAddress,
					fmt.Sprintf("creator %q is not a valid account", creator), err)
			}
			u.CreatorAddress = &creator
		}
		return u, nil
	}
}

func needsCreatorLookup(e *models.LineageEntry) bool {
	return !e.HasCreator() && e.CreatedAtLedgerTime == nil
}
