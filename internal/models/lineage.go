package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/stellar-lineage/internal/types"
)

// LineageEntry is one account node in a creator chain. Root entries have
// Depth 0 and RootAccount equal to AccountAddress.
type LineageEntry struct {
	ID                  string              `json:"id" db:"id"`
	AccountAddress      string              `json:"accountAddress" db:"account_address"`
	Network             types.Network       `json:"network" db:"network"`
	RootAccount         string              `json:"rootAccount" db:"root_account"`
	Depth               int                 `json:"depth" db:"depth"`
	CreatorAddress      *string             `json:"creatorAddress,omitempty" db:"creator_address"` // nil until known; nil after stage 7 means root
	CreatedAtLedgerTime *time.Time          `json:"createdAtLedgerTime,omitempty" db:"created_at_ledger_time"`
	HomeDomain          string              `json:"homeDomain,omitempty" db:"home_domain"`
	Balance             float64             `json:"balance" db:"balance"` // native XLM
	AccountsRaw         json.RawMessage     `json:"-" db:"accounts_raw"`
	OperationsRaw       json.RawMessage     `json:"-" db:"operations_raw"`
	EffectsRaw          json.RawMessage     `json:"-" db:"effects_raw"`
	AttributesRaw       json.RawMessage     `json:"attributes,omitempty" db:"attributes_raw"`
	AssetsRaw           json.RawMessage     `json:"assets,omitempty" db:"assets_raw"`
	ChildrenRaw         json.RawMessage     `json:"children,omitempty" db:"children_raw"`
	Tags                []string            `json:"tags" db:"tags"`
	IsHighValue         bool                `json:"isHighValue" db:"is_high_value"`
	Status              types.LineageStatus `json:"status" db:"status"`
	RetryCount          int                 `json:"retryCount" db:"retry_count"`
	LastError           string              `json:"lastError,omitempty" db:"last_error"`
	CreatedAt           time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time           `json:"updatedAt" db:"updated_at"`
}

// IsRoot reports whether the entry is the searched account of its chain
func (e *LineageEntry) IsRoot() bool {
	return e.Depth == 0
}

// HasCreator reports whether a creator link is recorded
func (e *LineageEntry) HasCreator() bool {
	return e.CreatorAddress != nil && *e.CreatorAddress != ""
}

// Creator returns the creator address or ""
func (e *LineageEntry) Creator() string {
	if e.CreatorAddress == nil {
		return ""
	}
	return *e.CreatorAddress
}

// ApplyHighValue recomputes IsHighValue and the HVA tag from Balance.
// Called by every store write.
func (e *LineageEntry) ApplyHighValue(threshold float64) {
	e.IsHighValue = e.Balance >= threshold
	tags := make([]string, 0, len(e.Tags)+1)
	seen := make(map[string]bool, len(e.Tags)+1)
	for _, tag := range e.Tags {
		if tag == "" || tag == types.TagHighValue || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	if e.IsHighValue {
		tags = append(tags, types.TagHighValue)
	}
	e.Tags = tags
}

// Clone returns a deep copy
func (e *LineageEntry) Clone() *LineageEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.CreatorAddress != nil {
		s := *e.CreatorAddress
		c.CreatorAddress = &s
	}
	if e.CreatedAtLedgerTime != nil {
		t := *e.CreatedAtLedgerTime
		c.CreatedAtLedgerTime = &t
	}
	c.AccountsRaw = cloneRaw(e.AccountsRaw)
	c.OperationsRaw = cloneRaw(e.OperationsRaw)
	c.EffectsRaw = cloneRaw(e.EffectsRaw)
	c.AttributesRaw = cloneRaw(e.AttributesRaw)
	c.AssetsRaw = cloneRaw(e.AssetsRaw)
	c.ChildrenRaw = cloneRaw(e.ChildrenRaw)
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	return &c
}

// LineageUpdate lists the fields a stage may change on a lineage entry.
// Nil fields are left untouched; ClearCreator removes the creator link.
type LineageUpdate struct {
	Status              *types.LineageStatus
	CreatorAddress      *string
	ClearCreator        bool
	CreatedAtLedgerTime *time.Time
	HomeDomain          *string
	Balance             *float64
	AccountsRaw         json.RawMessage
	OperationsRaw       json.RawMessage
	EffectsRaw          json.RawMessage
	AttributesRaw       json.RawMessage
	AssetsRaw           json.RawMessage
	ChildrenRaw         json.RawMessage
	Tags                []string
	RetryCount          *int
	LastError           *string
}

// IsEmpty reports whether the update changes nothing
func (u LineageUpdate) IsEmpty() bool {
	return u.Status == nil && u.CreatorAddress == nil && !u.ClearCreator &&
		u.CreatedAtLedgerTime == nil && u.HomeDomain == nil && u.Balance == nil &&
		u.AccountsRaw == nil && u.OperationsRaw == nil && u.EffectsRaw == nil &&
		u.AttributesRaw == nil && u.AssetsRaw == nil && u.ChildrenRaw == nil &&
		u.Tags == nil && u.RetryCount == nil && u.LastError == nil
}

// Apply copies the set fields onto e. The caller recomputes the high value
// flag afterwards.
func (u LineageUpdate) Apply(e *LineageEntry) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.ClearCreator {
		e.CreatorAddress = nil
	} else if u.CreatorAddress != nil {
		s := *u.CreatorAddress
		e.CreatorAddress = &s
	}
	if u.CreatedAtLedgerTime != nil {
		t := *u.CreatedAtLedgerTime
		e.CreatedAtLedgerTime = &t
	}
	if u.HomeDomain != nil {
		e.HomeDomain = *u.HomeDomain
	}
	if u.Balance != nil {
		e.Balance = *u.Balance
	}
	if u.AccountsRaw != nil {
		e.AccountsRaw = cloneRaw(u.AccountsRaw)
	}
	if u.OperationsRaw != nil {
		e.OperationsRaw = cloneRaw(u.OperationsRaw)
	}
	if u.EffectsRaw != nil {
		e.EffectsRaw = cloneRaw(u.EffectsRaw)
	}
	if u.AttributesRaw != nil {
		e.AttributesRaw = cloneRaw(u.AttributesRaw)
	}
	if u.AssetsRaw != nil {
		e.AssetsRaw = cloneRaw(u.AssetsRaw)
	}
	if u.ChildrenRaw != nil {
		e.ChildrenRaw = cloneRaw(u.ChildrenRaw)
	}
	if u.Tags != nil {
		e.Tags = append([]string(nil), u.Tags...)
	}
	if u.RetryCount != nil {
		e.RetryCount = *u.RetryCount
	}
	if u.LastError != nil {
		e.LastError = *u.LastError
	}
}

// AppendChild adds account to a children blob. False means it was already
// listed and raw is returned unchanged.
func AppendChild(raw json.RawMessage, account string) (json.RawMessage, bool, error) {
	var children []string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &children); err != nil {
			return raw, false, fmt.Errorf("invalid children blob: %w", err)
		}
	}
	if slices.Contains(children, account) {
		return raw, false, nil
	}
	out, err := json.Marshal(append(children, account))
	if err != nil {
		return raw, false, fmt.Errorf("failed to encode children: %w", err)
	}
	return out, true, nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
