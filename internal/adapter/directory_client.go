package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/stellar-lineage/internal/circuitbreaker"
	"github.com/stellar-lineage/internal/config"
	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/types"
)

// DirectoryClient looks up known-entity labels in the account directory
type DirectoryClient struct {
	http    *httpSource
	baseURL string
}

type directoryResponse struct {
	Address string   `json:"address"`
	Name    string   `json:"name"`
	Domain  string   `json:"domain"`
	Tags    []string `json:"tags"`
}

// NewDirectoryClient creates a new directory client
func NewDirectoryClient(cfg config.DirectoryConfig, breakers *circuitbreaker.Manager) *DirectoryClient {
	return &DirectoryClient{
		http:    newHTTPSource("directory", cfg.Timeout, 2, 2, 2, breakers),
		baseURL: strings.TrimRight(cfg.URL, "/"),
	}
}

// Lookup returns the directory record of address, or nil when the directory
// does not know it
func (c *DirectoryClient) Lookup(ctx context.Context, network types.Network, address string) (*DirectoryRecord, error) {
	reqURL := fmt.Sprintf("%s/explorer/%s/directory/%s", c.baseURL, directoryNetwork(network), url.PathEscape(address))

	body, err := c.http.get(ctx, "directory", reqURL)
	if err != nil {
		if stderrors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, NewSourceError("directory", network, "Lookup", err)
	}

	var resp directoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewSourceError("directory", network, "Lookup",
			apperrors.NewProviderError("directory", fmt.Errorf("failed to parse response: %w", err)))
	}

	tags := make([]string, 0, len(resp.Tags))
	for _, tag := range resp.Tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return &DirectoryRecord{
		Address: address,
		Name:    resp.Name,
		Domain:  resp.Domain,
		Tags:    tags,
	}, nil
}

func directoryNetwork(network types.Network) string {
	if network == types.NetworkTestnet {
		return "testnet"
	}
	return "public"
}
