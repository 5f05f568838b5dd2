package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/types"
)

type creatorRow struct {
	account, funder string
	createdAt       time.Time
}

type fakeRows struct {
	driver.Rows
	rows []creatorRow
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	*dest[0].(*string) = row.account
	*dest[1].(*string) = row.funder
	*dest[2].(*time.Time) = row.createdAt
	return nil
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

type fakeWarehouse struct {
	rows  []creatorRow
	err   error
	query string
	args  []any
}

func (f *fakeWarehouse) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	f.query = query
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{rows: f.rows}, nil
}

type fakeMeter struct {
	checkErr error
	recorded []error
}

func (m *fakeMeter) Check(ctx context.Context) error { return m.checkErr }

func (m *fakeMeter) Record(ctx context.Context, query string, bytesRead int64, queryErr error) error {
	m.recorded = append(m.recorded, queryErr)
	return nil
}

func TestNewWarehouseClient_RejectsTableName(t *testing.T) {
	_, err := NewWarehouseClient(&fakeWarehouse{}, "creators; DROP TABLE x", time.Second, nil)
	assert.Error(t, err)

	_, err = NewWarehouseClient(&fakeWarehouse{}, "analytics.account_creators", time.Second, nil)
	assert.NoError(t, err)
}

func TestWarehouseClient_FetchCreators(t *testing.T) {
	created := time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC)
	wh := &fakeWarehouse{rows: []creatorRow{
		{account: "GA", funder: "GF", createdAt: created},
	}}
	meter := &fakeMeter{}
	client, err := NewWarehouseClient(wh, "account_creators", time.Second, meter)
	require.NoError(t, err)

	out, err := client.FetchCreators(testContext(t), types.NetworkPublic, []string{"GA", "GB"})
	require.NoError(t, err)

	assert.Equal(t, map[string]CreationInfo{"GA": {Creator: "GF", CreatedAt: created}}, out)
	assert.Contains(t, wh.query, "FROM account_creators")
	assert.Equal(t, []any{"public", []string{"GA", "GB"}}, wh.args)
	require.Len(t, meter.recorded, 1)
	assert.NoError(t, meter.recorded[0])
}

func TestWarehouseClient_EmptyInputSkipsQuery(t *testing.T) {
	wh := &fakeWarehouse{}
	meter := &fakeMeter{}
	client, err := NewWarehouseClient(wh, "account_creators", time.Second, meter)
	require.NoError(t, err)

	out, err := client.FetchCreators(testContext(t), types.NetworkPublic, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, wh.query)
	assert.Empty(t, meter.recorded)
}

func TestWarehouseClient_BudgetExhausted(t *testing.T) {
	wh := &fakeWarehouse{}
	meter := &fakeMeter{checkErr: apperrors.NewBudgetExceededError("warehouse", 10, 10)}
	client, err := NewWarehouseClient(wh, "account_creators", time.Second, meter)
	require.NoError(t, err)

	_, err = client.FetchCreators(testContext(t), types.NetworkPublic, []string{"GA"})
	require.Error(t, err)
	assert.Equal(t, types.HealthReasonBudgetExceeded, apperrors.HealthReason(err))
	assert.Empty(t, wh.query, "no query is sent once the budget is spent")
}

func TestWarehouseClient_QueryFailureIsRecorded(t *testing.T) {
	wh := &fakeWarehouse{err: errors.New("connection reset")}
	meter := &fakeMeter{}
	client, err := NewWarehouseClient(wh, "account_creators", time.Second, meter)
	require.NoError(t, err)

	_, err = client.FetchCreators(testContext(t), types.NetworkPublic, []string{"GA"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	require.Len(t, meter.recorded, 1)
	assert.Error(t, meter.recorded[0])
}
