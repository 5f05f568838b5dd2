package adapter

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/types"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// WarehouseQuerier is the subset of a ClickHouse connection the warehouse
// client uses
type WarehouseQuerier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// BudgetMeter meters warehouse usage
type BudgetMeter interface {
	Check(ctx context.Context) error
	Record(ctx context.Context, query string, bytesRead int64, queryErr error) error
}

// WarehouseClient resolves account creators in bulk from the analytics
// warehouse. Every query is checked against and recorded in the byte budget.
type WarehouseClient struct {
	conn    WarehouseQuerier
	table   string
	timeout time.Duration
	budget  BudgetMeter
}

// NewWarehouseClient creates a new warehouse client
func NewWarehouseClient(conn WarehouseQuerier, table string, timeout time.Duration, budget BudgetMeter) (*WarehouseClient, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid warehouse table name %q", table)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WarehouseClient{
		conn:    conn,
		table:   table,
		timeout: timeout,
		budget:  budget,
	}, nil
}

// FetchCreators returns creator and creation time for the accounts the
// warehouse knows about
func (c *WarehouseClient) FetchCreators(ctx context.Context, network types.Network, accounts []string) (map[string]CreationInfo, error) {
	out := make(map[string]CreationInfo, len(accounts))
	if len(accounts) == 0 {
		return out, nil
	}

	if c.budget != nil {
		if err := c.budget.Check(ctx); err != nil {
			return nil, NewSourceError("warehouse", network, "FetchCreators", err)
		}
	}

	var bytesRead atomic.Int64
	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	qctx = clickhouse.Context(qctx, clickhouse.WithProgress(func(p *clickhouse.Progress) {
		bytesRead.Add(int64(p.Bytes))
	}))

	query := fmt.Sprintf(
		"SELECT account, funder, created_at FROM %s WHERE network = ? AND account IN (?)",
		c.table,
	)

	err := c.queryCreators(qctx, query, network, accounts, out)
	if c.budget != nil {
		// metering failures are logged by the tracker and never fail the lookup
		_ = c.budget.Record(ctx, "FetchCreators", bytesRead.Load(), err)
	}
	if err != nil {
		if qctx.Err() != nil {
			err = apperrors.NewProviderTimeoutError("warehouse", err)
		} else {
			err = apperrors.NewProviderError("warehouse", err)
		}
		return nil, NewSourceError("warehouse", network, "FetchCreators", err)
	}
	return out, nil
}

func (c *WarehouseClient) queryCreators(ctx context.Context, query string, network types.Network, accounts []string, out map[string]CreationInfo) error {
	rows, err := c.conn.Query(ctx, query, string(network), accounts)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			account   string
			funder    string
			createdAt time.Time
		)
		if err := rows.Scan(&account, &funder, &createdAt); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		out[account] = CreationInfo{Creator: funder, CreatedAt: createdAt.UTC()}
	}
	return rows.Err()
}
