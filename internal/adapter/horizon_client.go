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

// HorizonClient fetches raw account datasets from Horizon
type HorizonClient struct {
	http      *httpSource
	urls      map[types.Network]string
	pageLimit int
}

// NewHorizonClient creates a new Horizon client
func NewHorizonClient(cfg config.HorizonConfig, breakers *circuitbreaker.Manager) *HorizonClient {
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 || pageLimit > 200 {
		pageLimit = 200
	}
	return &HorizonClient{
		http: newHTTPSource("horizon", cfg.Timeout, cfg.RPS, cfg.Burst, cfg.MaxAttempts, breakers),
		urls: map[types.Network]string{
			types.NetworkPublic:  strings.TrimRight(cfg.URLFor(types.NetworkPublic), "/"),
			types.NetworkTestnet: strings.TrimRight(cfg.URLFor(types.NetworkTestnet), "/"),
		},
		pageLimit: pageLimit,
	}
}

// FetchAccount returns the raw /accounts/{id} document
func (c *HorizonClient) FetchAccount(ctx context.Context, network types.Network, address string) (json.RawMessage, error) {
	return c.fetch(ctx, network, "FetchAccount", "/accounts/"+url.PathEscape(address), nil)
}

// FetchOperations returns the first page of operations, oldest first, so the
// create_account operation is always included
func (c *HorizonClient) FetchOperations(ctx context.Context, network types.Network, address string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("order", "asc")
	q.Set("limit", fmt.Sprint(c.pageLimit))
	return c.fetch(ctx, network, "FetchOperations", "/accounts/"+url.PathEscape(address)+"/operations", q)
}

// FetchEffects returns the first page of effects, oldest first
func (c *HorizonClient) FetchEffects(ctx context.Context, network types.Network, address string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("order", "asc")
	q.Set("limit", fmt.Sprint(c.pageLimit))
	return c.fetch(ctx, network, "FetchEffects", "/accounts/"+url.PathEscape(address)+"/effects", q)
}

func (c *HorizonClient) fetch(ctx context.Context, network types.Network, op, path string, q url.Values) (json.RawMessage, error) {
	base, ok := c.urls[network]
	if !ok || base == "" {
		return nil, NewSourceError("horizon", network, op, fmt.Errorf("no horizon url configured"))
	}
	reqURL := base + path
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	body, err := c.http.get(ctx, "horizon:"+string(network), reqURL)
	if err != nil {
		if stderrors.Is(err, errNotFound) || stderrors.Is(err, errBadRequest) {
			err = apperrors.NewInvalidError(types.InvalidReasonHorizonAddress, "account does not exist on horizon", err)
		}
		return nil, NewSourceError("horizon", network, op, err)
	}
	if !json.Valid(body) {
		return nil, NewSourceError("horizon", network, op,
			apperrors.NewProviderError("horizon", fmt.Errorf("response is not valid JSON")))
	}
	return body, nil
}
