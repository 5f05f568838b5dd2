package models

import (
	"time"

	"github.com/stellar-lineage/internal/types"
)

// LineageNode is the view of one entry inside a lineage tree
type LineageNode struct {
	AccountAddress      string              `json:"accountAddress"`
	Depth               int                 `json:"depth"`
	CreatorAddress      string              `json:"creatorAddress,omitempty"`
	CreatedAtLedgerTime *time.Time          `json:"createdAtLedgerTime,omitempty"`
	HomeDomain          string              `json:"homeDomain,omitempty"`
	Balance             float64             `json:"balance"`
	Tags                []string            `json:"tags"`
	IsHighValue         bool                `json:"isHighValue"`
	Status              types.LineageStatus `json:"status"`
}

// LineageTree is the snapshot served to callers and stored as the search
// cache payload. Ancestors are ordered from the account outwards.
type LineageTree struct {
	Account     string        `json:"account"`
	Network     types.Network `json:"network"`
	Node        LineageNode   `json:"node"`
	Ancestors   []LineageNode `json:"ancestors"`
	Descendants []LineageNode `json:"descendants"`
	Complete    bool          `json:"complete"`
	Cycle       bool          `json:"cycle,omitempty"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// NodeFromEntry builds the tree view of e
func NodeFromEntry(e *LineageEntry) LineageNode {
	n := LineageNode{
		AccountAddress: e.AccountAddress,
		Depth:          e.Depth,
		CreatorAddress: e.Creator(),
		HomeDomain:     e.HomeDomain,
		Balance:        e.Balance,
		Tags:           append([]string{}, e.Tags...),
		IsHighValue:    e.IsHighValue,
		Status:         e.Status,
	}
	if e.CreatedAtLedgerTime != nil {
		t := *e.CreatedAtLedgerTime
		n.CreatedAtLedgerTime = &t
	}
	return n
}
