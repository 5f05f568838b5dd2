package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stellar/go/strkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lineage/internal/health"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/observability"
	"github.com/stellar-lineage/internal/service"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

func testAddress(seed byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}
	return strkey.MustEncode(strkey.VersionByteAccountID, raw)
}

type testServer struct {
	store   *storage.MemoryStore
	monitor *health.Monitor
	server  *Server
}

func newTestServer(t *testing.T, cfg *ServerConfig) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{RequestsPerMinute: 6000, Burst: 100}
	}
	store := storage.NewMemoryStore(1000)
	m := metrics.New()
	monitor := health.NewMonitor(store, 0, m)
	tr := tracker.New(store)
	search := service.NewSearchService(store, nil, 0, m)
	lineageSvc := service.NewLineageService(store, lineage.NewBuilder(store, 0), tr, nil)
	return &testServer{
		store:   store,
		monitor: monitor,
		server:  NewServer(cfg, search, lineageSvc, monitor, m.Handler(), observability.NewLogSink()),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSearch_NewAccountIsAccepted(t *testing.T) {
	ts := newTestServer(t, nil)
	addr := testAddress(1)

	w := ts.do(t, http.MethodPost, "/api/search", SearchRequest{Address: addr})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res service.SearchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, addr, res.Account)
	assert.Equal(t, types.NetworkPublic, res.Network)
	assert.Equal(t, service.SearchCreated, res.Outcome)
}

func TestSearch_CachedLineageIsReturned(t *testing.T) {
	ts := newTestServer(t, nil)
	addr := testAddress(2)
	fetched := time.Now().Add(-time.Minute)
	require.NoError(t, ts.store.CreateSearchEntry(testContext(t), &models.SearchCacheEntry{
		AccountAddress: addr,
		Network:        types.NetworkTestnet,
		Status:         types.StatusDoneMakeParentLineage,
		CachedPayload:  []byte(`{"account":"` + addr + `","complete":true}`),
		LastFetchedAt:  &fetched,
	}))

	w := ts.do(t, http.MethodPost, "/api/search", SearchRequest{Address: addr, Network: "testnet"})
	require.Equal(t, http.StatusOK, w.Code)

	var res service.SearchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, service.SearchFresh, res.Outcome)
	assert.JSONEq(t, `{"account":"`+addr+`","complete":true}`, string(res.Lineage))
}

func TestSearch_BadInput(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"invalid address", SearchRequest{Address: "GNOPE"}, "INVALID_ADDRESS"},
		{"empty address", SearchRequest{Address: ""}, "INVALID_PARAMETER"},
		{"unknown network", SearchRequest{Address: testAddress(1), Network: "futurenet"}, "INVALID_PARAMETER"},
		{"unknown field", map[string]string{"addr": "x"}, ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/search", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestLineageEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	a, b := testAddress(1), testAddress(2)
	creator := b
	require.NoError(t, ts.store.CreateLineage(testContext(t), &models.LineageEntry{
		AccountAddress: a, Network: types.NetworkPublic, CreatorAddress: &creator,
		Status: types.StatusDoneMakeParentLineage, Balance: 5000,
	}))
	require.NoError(t, ts.store.CreateLineage(testContext(t), &models.LineageEntry{
		AccountAddress: b, Network: types.NetworkPublic, RootAccount: a, Depth: 1,
		Status: types.StatusDoneMakeGrandparentLineage,
	}))
	_, err := tracker.New(ts.store).Initialize(testContext(t), a, types.NetworkPublic)
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/lineage/public/"+a, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entry models.LineageEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, b, entry.Creator())
	assert.True(t, entry.IsHighValue)

	w = ts.do(t, http.MethodGet, "/api/lineage/public/"+a+"/tree", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tree service.TreeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tree))
	require.Len(t, tree.Tree.Ancestors, 1)
	assert.Equal(t, b, tree.Tree.Ancestors[0].AccountAddress)

	w = ts.do(t, http.MethodGet, "/api/lineage/public/"+a+"/stages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stages struct {
		Stages []models.StageExecutionRecord `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stages))
	assert.Len(t, stages.Stages, types.StageCount)
}

func TestLineageEndpoints_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/lineage/public/"+testAddress(7), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/lineage/mars/"+testAddress(7), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/lineage/public/not-an-address/tree", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCronHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.monitor.MarkUnhealthy(testContext(t), types.StageExtractingCreator, types.HealthReasonBudgetExceeded))

	w := ts.do(t, http.MethodGet, "/api/health/crons", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Healthy bool                 `json:"healthy"`
		Stages  []health.StageHealth `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Healthy)
	require.Len(t, body.Stages, types.StageCount)
	assert.False(t, body.Stages[6].Status.IsHealthy())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/search", SearchRequest{Address: testAddress(3)})

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `lineage_search_requests_total{result="created"} 1`)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, &ServerConfig{RequestsPerMinute: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)
	}
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodOptions, "/api/search", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

type panickingSearch struct{}

func (panickingSearch) Search(context.Context, string, types.Network) (*service.SearchResult, error) {
	panic("search exploded")
}

func TestRecoveryMiddleware(t *testing.T) {
	store := storage.NewMemoryStore(1000)
	srv := NewServer(&ServerConfig{RequestsPerMinute: 600, Burst: 10}, panickingSearch{}, nil, health.NewMonitor(store, 0, nil), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader([]byte(`{"address":"x"}`)))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
