package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

// Mirror copies lineage progress onto the search cache entry of the same
// account and refreshes cached tree snapshots
type Mirror struct {
	store   storage.Store
	builder *Builder
	now     func() time.Time
}

// NewMirror creates a new mirror
func NewMirror(store storage.Store, builder *Builder) *Mirror {
	return &Mirror{store: store, builder: builder, now: time.Now}
}

// OwnedBySearchStage reports whether a search entry in status is still
// waiting for or held by the make-parent-lineage stage
func OwnedBySearchStage(status types.LineageStatus) bool {
	switch status {
	case types.StatusPendingMakeParentLineage, types.StatusReInquiry, types.StatusInProgressMakeParentLineage:
		return true
	}
	return false
}

// Sync mirrors e onto its search entry. Entries still owned by the search
// stage and terminal entries are left alone.
func (m *Mirror) Sync(ctx context.Context, e *models.LineageEntry) error {
	se, err := m.store.GetSearchEntry(ctx, e.AccountAddress, e.Network)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load search entry: %w", err)
	}
	if OwnedBySearchStage(se.Status) || se.Status.IsTerminal() {
		return nil
	}
	return m.apply(ctx, se, e)
}

// SyncFrom mirrors e onto se, which the caller holds in status se.Status
func (m *Mirror) SyncFrom(ctx context.Context, se *models.SearchCacheEntry, e *models.LineageEntry) error {
	return m.apply(ctx, se, e)
}

// RefreshChain rebuilds the cached snapshots of the settled search entries
// whose tree contains e: the root and every intermediate account between the
// root and e. Failures on one entry do not stop the others.
func (m *Mirror) RefreshChain(ctx context.Context, e *models.LineageEntry) error {
	if e.RootAccount == "" || e.RootAccount == e.AccountAddress {
		return nil
	}
	path, err := m.builder.AncestorPath(ctx, e.RootAccount, e.AccountAddress, e.Network)
	if err != nil {
		return err
	}
	if path[len(path)-1] != e.AccountAddress {
		// e is not reachable from the root; only the root is known to contain it
		path = path[:1]
	} else {
		path = path[:len(path)-1]
	}

	var errs []error
	for _, account := range path {
		if err := m.refresh(ctx, account, e.Network); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) refresh(ctx context.Context, account string, network types.Network) error {
	se, err := m.store.GetSearchEntry(ctx, account, network)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load search entry %s: %w", account, err)
	}
	if se.Status != types.StatusDoneMakeParentLineage {
		return nil
	}

	payload, err := m.snapshot(ctx, se.AccountAddress, se.Network)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	_, err = m.store.UpdateSearchEntry(ctx, se.ID, se.Status, models.SearchCacheUpdate{
		CachedPayload: payload,
		LastFetchedAt: &now,
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("failed to refresh snapshot of %s: %w", account, err)
	}
	return nil
}

func (m *Mirror) apply(ctx context.Context, se *models.SearchCacheEntry, e *models.LineageEntry) error {
	target := e.Status
	u := models.SearchCacheUpdate{}
	if e.Status.IsFinalDone() {
		target = types.StatusDoneMakeParentLineage
		payload, err := m.snapshot(ctx, e.AccountAddress, e.Network)
		if err != nil {
			return err
		}
		now := m.now().UTC()
		u.CachedPayload = payload
		u.LastFetchedAt = &now
	}
	if target == se.Status && u.CachedPayload == nil {
		return nil
	}
	u.Status = &target
	if e.Status.IsTerminal() {
		msg := e.LastError
		u.LastError = &msg
	}

	_, err := m.store.UpdateSearchEntry(ctx, se.ID, se.Status, u)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"account": e.AccountAddress,
				"network": e.Network,
			}).Debug("Search entry moved concurrently, skipping mirror")
			return nil
		}
		return fmt.Errorf("failed to mirror lineage status: %w", err)
	}
	return nil
}

func (m *Mirror) snapshot(ctx context.Context, account string, network types.Network) (json.RawMessage, error) {
	tree, err := m.builder.Tree(ctx, account, network)
	if err != nil {
		return nil, fmt.Errorf("failed to build lineage tree: %w", err)
	}
	payload, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lineage tree: %w", err)
	}
	return payload, nil
}
