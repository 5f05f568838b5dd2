package models

import (
	"encoding/json"
	"time"

	"github.com/stellar-lineage/internal/types"
)

// SearchCacheEntry tracks one user-searched account per network
type SearchCacheEntry struct {
	ID             string              `json:"id" db:"id"`
	AccountAddress string              `json:"accountAddress" db:"account_address"`
	Network        types.Network       `json:"network" db:"network"`
	Status         types.LineageStatus `json:"status" db:"status"`
	CachedPayload  json.RawMessage     `json:"cachedPayload,omitempty" db:"cached_payload"`
	LastFetchedAt  *time.Time          `json:"lastFetchedAt,omitempty" db:"last_fetched_at"`
	RetryCount     int                 `json:"retryCount" db:"retry_count"`
	LastError      string              `json:"lastError,omitempty" db:"last_error"`
	CreatedAt      time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time           `json:"updatedAt" db:"updated_at"`
}

// IsFresh reports whether the cached payload is younger than window
func (e *SearchCacheEntry) IsFresh(now time.Time, window time.Duration) bool {
	if e.LastFetchedAt == nil || len(e.CachedPayload) == 0 {
		return false
	}
	return now.Sub(*e.LastFetchedAt) < window
}

// Clone returns a deep copy
func (e *SearchCacheEntry) Clone() *SearchCacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.CachedPayload = cloneRaw(e.CachedPayload)
	if e.LastFetchedAt != nil {
		t := *e.LastFetchedAt
		c.LastFetchedAt = &t
	}
	return &c
}

// SearchCacheUpdate lists the fields a writer may change on a search cache
// entry. Nil fields are left untouched.
type SearchCacheUpdate struct {
	Status        *types.LineageStatus
	CachedPayload json.RawMessage
	LastFetchedAt *time.Time
	RetryCount    *int
	LastError     *string
}

// IsEmpty reports whether the update changes nothing
func (u SearchCacheUpdate) IsEmpty() bool {
	return u.Status == nil && u.CachedPayload == nil && u.LastFetchedAt == nil &&
		u.RetryCount == nil && u.LastError == nil
}

// Apply copies the set fields onto e
func (u SearchCacheUpdate) Apply(e *SearchCacheEntry) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.CachedPayload != nil {
		e.CachedPayload = cloneRaw(u.CachedPayload)
	}
	if u.LastFetchedAt != nil {
		t := *u.LastFetchedAt
		e.LastFetchedAt = &t
	}
	if u.RetryCount != nil {
		e.RetryCount = *u.RetryCount
	}
	if u.LastError != nil {
		e.LastError = *u.LastError
	}
}
