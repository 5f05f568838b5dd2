// Package adapter provides clients for the external sources the lineage
// pipeline reads from: Horizon, the account directory and the warehouse.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stellar-lineage/internal/types"
)

// LedgerSource fetches raw account datasets from the ledger HTTP API
type LedgerSource interface {
	FetchAccount(ctx context.Context, network types.Network, address string) (json.RawMessage, error)
	FetchOperations(ctx context.Context, network types.Network, address string) (json.RawMessage, error)
	FetchEffects(ctx context.Context, network types.Network, address string) (json.RawMessage, error)
}

// DirectorySource looks up known-entity labels. A nil record means unknown.
type DirectorySource interface {
	Lookup(ctx context.Context, network types.Network, address string) (*DirectoryRecord, error)
}

// CreatorSource resolves creators in bulk from the analytics warehouse.
// Accounts missing from the result are unknown to the warehouse.
type CreatorSource interface {
	FetchCreators(ctx context.Context, network types.Network, accounts []string) (map[string]CreationInfo, error)
}

// CreationInfo describes how an account was created
type CreationInfo struct {
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"createdAt"`
}

// DirectoryRecord is the directory entry of a known account
type DirectoryRecord struct {
	Address string   `json:"address"`
	Name    string   `json:"name"`
	Domain  string   `json:"domain"`
	Tags    []string `json:"tags"`
}

// SourceError wraps errors with the source and operation that produced them
type SourceError struct {
	Source  string
	Network types.Network
	Op      string // Operation that failed (e.g., "FetchAccount")
	Err     error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s error [%s:%s]: %v", e.Source, e.Network, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError creates a new SourceError
func NewSourceError(source string, network types.Network, op string, err error) *SourceError {
	return &SourceError{
		Source:  source,
		Network: network,
		Op:      op,
		Err:     err,
	}
}
