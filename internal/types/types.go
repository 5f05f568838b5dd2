// Package types provides common type definitions for the lineage pipeline.
package types

import (
	"fmt"
	"strings"
)

// Network represents a Stellar network the pipeline can query
type Network string

const (
	// NetworkPublic represents the Stellar public network (pubnet)
	NetworkPublic Network = "public"
	// NetworkTestnet represents the Stellar test network
	NetworkTestnet Network = "testnet"
)

// ParseNetwork normalizes a network name
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "pubnet", "mainnet":
		return NetworkPublic, nil
	case "testnet":
		return NetworkTestnet, nil
	default:
		return "", fmt.Errorf("unknown network: %q", s)
	}
}

// TagHighValue is the tag carried by high value accounts
const TagHighValue = "HVA"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
