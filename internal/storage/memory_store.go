package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/types"
)

// MemoryStore is an in-process Store used by tests and the memory backend.
// All reads return copies so callers can never mutate stored rows.
type MemoryStore struct {
	hvaThreshold float64

	mu         sync.RWMutex
	now        func() time.Time
	search     map[string]*models.SearchCacheEntry
	searchKeys map[string]string
	lineage    map[string]*models.LineageEntry
	lineageKey map[string]string
	executions []*models.StageExecutionRecord
	health     []*models.CronHealthRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(hvaThreshold float64) *MemoryStore {
	return &MemoryStore{
		hvaThreshold: hvaThreshold,
		now:          time.Now,
		search:       make(map[string]*models.SearchCacheEntry),
		searchKeys:   make(map[string]string),
		lineage:      make(map[string]*models.LineageEntry),
		lineageKey:   make(map[string]string),
	}
}

// SetClock replaces the clock used for timestamps
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func accountKey(account string, network types.Network) string {
	return string(network) + "|" + account
}

func (s *MemoryStore) timestamp() time.Time {
	return s.now().UTC()
}

// GetSearchEntry retrieves the entry for an account on a network
func (s *MemoryStore) GetSearchEntry(_ context.Context, account string, network types.Network) (*models.SearchCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.searchKeys[accountKey(account, network)]
	if !ok {
		return nil, fmt.Errorf("search entry %s/%s: %w", network, account, ErrNotFound)
	}
	return s.search[id].Clone(), nil
}

// CreateSearchEntry inserts a new entry
func (s *MemoryStore) CreateSearchEntry(_ context.Context, e *models.SearchCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(e.AccountAddress, e.Network)
	if _, exists := s.searchKeys[key]; exists {
		return fmt.Errorf("search entry %s/%s: %w", e.Network, e.AccountAddress, ErrConflict)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.timestamp()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	s.search[e.ID] = e.Clone()
	s.searchKeys[key] = e.ID
	return nil
}

// UpdateSearchEntry applies u, optionally guarded by ifStatus
func (s *MemoryStore) UpdateSearchEntry(_ context.Context, id string, ifStatus types.LineageStatus, u models.SearchCacheUpdate) (*models.SearchCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.search[id]
	if !ok {
		return nil, fmt.Errorf("search entry %s: %w", id, ErrNotFound)
	}
	if ifStatus != "" && e.Status != ifStatus {
		return nil, fmt.Errorf("search entry %s is %s, expected %s: %w", id, e.Status, ifStatus, ErrConflict)
	}

	u.Apply(e)
	e.UpdatedAt = s.timestamp()
	return e.Clone(), nil
}

// ClaimSearchEntry moves an entry from -> to if it is still in from
func (s *MemoryStore) ClaimSearchEntry(_ context.Context, id string, from, to types.LineageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.search[id]
	if !ok {
		return false, fmt.Errorf("search entry %s: %w", id, ErrNotFound)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = s.timestamp()
	return true, nil
}

// ListSearchEntriesByStatus returns entries in any of statuses, oldest update first
func (s *MemoryStore) ListSearchEntriesByStatus(_ context.Context, statuses []types.LineageStatus, limit int) ([]*models.SearchCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := statusSet(statuses)
	var out []*models.SearchCacheEntry
	for _, e := range s.search {
		if want[e.Status] {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetLineage retrieves the entry for an account on a network
func (s *MemoryStore) GetLineage(_ context.Context, account string, network types.Network) (*models.LineageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.lineageKey[accountKey(account, network)]
	if !ok {
		return nil, fmt.Errorf("lineage %s/%s: %w", network, account, ErrNotFound)
	}
	return s.lineage[id].Clone(), nil
}

// GetLineageByID retrieves an entry by id
func (s *MemoryStore) GetLineageByID(_ context.Context, id string) (*models.LineageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lineage[id]
	if !ok {
		return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

// CreateLineage inserts a new entry and recomputes the high value flag
func (s *MemoryStore) CreateLineage(_ context.Context, e *models.LineageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(e.AccountAddress, e.Network)
	if _, exists := s.lineageKey[key]; exists {
		return fmt.Errorf("lineage %s/%s: %w", e.Network, e.AccountAddress, ErrConflict)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := s.timestamp()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.RootAccount == "" {
		e.RootAccount = e.AccountAddress
	}
	e.ApplyHighValue(s.hvaThreshold)

	s.lineage[e.ID] = e.Clone()
	s.lineageKey[key] = e.ID
	return nil
}

// UpdateLineage applies u, optionally guarded by ifStatus, and recomputes
// the high value flag
func (s *MemoryStore) UpdateLineage(_ context.Context, id string, ifStatus types.LineageStatus, u models.LineageUpdate) (*models.LineageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lineage[id]
	if !ok {
		return nil, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}
	if ifStatus != "" && e.Status != ifStatus {
		return nil, fmt.Errorf("lineage %s is %s, expected %s: %w", id, e.Status, ifStatus, ErrConflict)
	}

	u.Apply(e)
	e.ApplyHighValue(s.hvaThreshold)
	e.UpdatedAt = s.timestamp()
	return e.Clone(), nil
}

// AppendLineageChild adds child to the children blob of entry id
func (s *MemoryStore) AppendLineageChild(_ context.Context, id, child string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lineage[id]
	if !ok {
		return false, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}
	children, added, err := models.AppendChild(e.ChildrenRaw, child)
	if err != nil {
		return false, fmt.Errorf("lineage %s: %w", id, err)
	}
	if !added {
		return false, nil
	}
	e.ChildrenRaw = children
	e.UpdatedAt = s.timestamp()
	return true, nil
}

// ClaimLineage moves an entry from -> to if it is still in from
func (s *MemoryStore) ClaimLineage(_ context.Context, id string, from, to types.LineageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lineage[id]
	if !ok {
		return false, fmt.Errorf("lineage %s: %w", id, ErrNotFound)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = s.timestamp()
	return true, nil
}

// ListLineageByStatus returns entries in any of statuses, oldest update first
func (s *MemoryStore) ListLineageByStatus(_ context.Context, statuses []types.LineageStatus, limit int) ([]*models.LineageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := statusSet(statuses)
	var out []*models.LineageEntry
	for _, e := range s.lineage {
		if want[e.Status] {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListLineageByCreator returns the entries whose creator is creator
func (s *MemoryStore) ListLineageByCreator(_ context.Context, creator string, network types.Network) ([]*models.LineageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LineageEntry
	for _, e := range s.lineage {
		if e.Network == network && e.Creator() == creator {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out, nil
}

// InitStageExecutions creates the missing PENDING records for all stages
func (s *MemoryStore) InitStageExecutions(_ context.Context, account string, network types.Network) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	created := 0
	for _, stage := range types.Stages() {
		if s.latestExecution(account, network, stage.Number) != nil {
			continue
		}
		s.executions = append(s.executions, &models.StageExecutionRecord{
			ID:             uuid.NewString(),
			AccountAddress: account,
			Network:        network,
			StageNumber:    stage.Number,
			StageName:      stage.Name,
			Status:         types.ExecutionPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		created++
	}
	return created, nil
}

// latestExecution must be called with s.mu held
func (s *MemoryStore) latestExecution(account string, network types.Network, stageNumber int) *models.StageExecutionRecord {
	var latest *models.StageExecutionRecord
	for _, rec := range s.executions {
		if rec.AccountAddress != account || rec.Network != network || rec.StageNumber != stageNumber {
			continue
		}
		if latest == nil || !rec.CreatedAt.Before(latest.CreatedAt) {
			latest = rec
		}
	}
	return latest
}

// GetLatestStageExecution returns the newest record for one stage
func (s *MemoryStore) GetLatestStageExecution(_ context.Context, account string, network types.Network, stageNumber int) (*models.StageExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.latestExecution(account, network, stageNumber)
	if rec == nil {
		return nil, fmt.Errorf("stage %d for %s/%s: %w", stageNumber, network, account, ErrNotFound)
	}
	c := *rec
	return &c, nil
}

// CreateStageExecution inserts a new record
func (s *MemoryStore) CreateStageExecution(_ context.Context, rec *models.StageExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.timestamp()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	c := *rec
	s.executions = append(s.executions, &c)
	return nil
}

// UpdateStageExecution writes the outcome fields of an existing record
func (s *MemoryStore) UpdateStageExecution(_ context.Context, rec *models.StageExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.executions {
		if existing.ID != rec.ID {
			continue
		}
		rec.UpdatedAt = s.timestamp()
		existing.Status = rec.Status
		existing.DurationMs = rec.DurationMs
		existing.ErrorMessage = rec.ErrorMessage
		existing.Attempts = rec.Attempts
		existing.UpdatedAt = rec.UpdatedAt
		return nil
	}
	return fmt.Errorf("stage execution %s: %w", rec.ID, ErrNotFound)
}

// ListStageExecutions returns all records for an account, newest first
func (s *MemoryStore) ListStageExecutions(_ context.Context, account string, network types.Network) ([]*models.StageExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.StageExecutionRecord
	for _, rec := range s.executions {
		if rec.AccountAddress == account && rec.Network == network {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].StageNumber > out[j].StageNumber
	})
	return out, nil
}

// AppendCronHealth inserts a new health observation
func (s *MemoryStore) AppendCronHealth(_ context.Context, rec *models.CronHealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.timestamp()
	}
	rec.UpdatedAt = rec.CreatedAt

	c := *rec
	s.health = append(s.health, &c)
	return nil
}

// LatestCronHealth returns the newest record for a stage
func (s *MemoryStore) LatestCronHealth(_ context.Context, stageName string) (*models.CronHealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latestHealth()[stageName]
	if latest == nil {
		return nil, fmt.Errorf("cron health %s: %w", stageName, ErrNotFound)
	}
	c := *latest
	return &c, nil
}

// ListLatestCronHealth returns the newest record of every stage that has one
func (s *MemoryStore) ListLatestCronHealth(_ context.Context) ([]*models.CronHealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CronHealthRecord
	for _, rec := range s.latestHealth() {
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageName < out[j].StageName })
	return out, nil
}

// latestHealth must be called with s.mu held. Later appends win ties.
func (s *MemoryStore) latestHealth() map[string]*models.CronHealthRecord {
	latest := make(map[string]*models.CronHealthRecord)
	for _, rec := range s.health {
		cur := latest[rec.StageName]
		if cur == nil || !rec.CreatedAt.Before(cur.CreatedAt) {
			latest[rec.StageName] = rec
		}
	}
	return latest
}

func statusSet(statuses []types.LineageStatus) map[types.LineageStatus]bool {
	set := make(map[types.LineageStatus]bool, len(statuses))
	for _, st := range statuses {
		set[st] = true
	}
	return set
}

func olderFirst(a time.Time, aID string, b time.Time, bID string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return aID < bID
}
