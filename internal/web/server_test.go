package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/pool"
	"github.com/vadiminshakov/loopvault/internal/services/vault"
	"github.com/vadiminshakov/loopvault/internal/storage/positions"
)

var (
	operator   = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	vaultAddr  = common.HexToAddress("0x0000000000000000000000000000000000001000")
	marketAddr = common.HexToAddress("0x0000000000000000000000000000000000002000")
	baseAddr   = common.HexToAddress("0x0000000000000000000000000000000000003001")
	borrowAddr = common.HexToAddress("0x0000000000000000000000000000000000003002")
)

type testEnv struct {
	handler http.Handler
	store   *positions.WALStore
}

func newTestEnv(t *testing.T, liquidity string, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()

	market, err := pool.NewMarket(marketAddr, zap.NewNop(), nil)
	require.NoError(t, err)
	cfg := pool.AssetConfig{Price: domain.WAD, LTVBps: 9000, LiquidationThresholdBps: 9500}
	require.NoError(t, market.ListAsset(ctx, baseAddr, cfg))
	require.NoError(t, market.ListAsset(ctx, borrowAddr, cfg))
	require.NoError(t, market.Mint(ctx, borrowAddr, marketAddr, domain.MustUnits(liquidity)))

	store, err := positions.NewWALStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	params, err := domain.NewRiskParameters(domain.MustWad("1.5"), domain.MustWad("1.2"), domain.MustWad("2"), 6000, 4)
	require.NoError(t, err)

	v, err := vault.NewVault(ctx, zap.NewNop(), vault.Config{
		Pool:        market.PoolFor(vaultAddr),
		PoolAddress: marketAddr,
		BaseToken:   market.TokenFor(baseAddr, vaultAddr),
		BorrowToken: market.TokenFor(borrowAddr, vaultAddr),
		Address:     vaultAddr,
		Operator:    operator,
		Risk:        params,
		WALDir:      t.TempDir(),
		Snapshots:   store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	opts = append([]Option{
		WithSnapshotStore(store),
		WithSimulator(pool.NewFaucet(market, baseAddr, vaultAddr)),
	}, opts...)
	server := NewServer(zap.NewNop(), ":0", v, opts...)

	return &testEnv{handler: server.Router(), store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, caller *common.Address, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if caller != nil {
		req.Header.Set(callerHeader, caller.Hex())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out), w.Body.String())
	return out
}

func TestServer_DepositAndWithdrawFlow(t *testing.T) {
	e := newTestEnv(t, "1000")

	w := e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/deposit", &alice, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "100", decode[map[string]string](t, w)["shares"])

	w = e.do(t, http.MethodGet, "/api/v1/position", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snapshot := decode[domain.PositionSnapshot](t, w)
	assert.Equal(t, domain.MustUnits("230.56").String(), snapshot.TotalCollateral)
	assert.Equal(t, domain.MustUnits("130.56").String(), snapshot.TotalDebt)
	assert.Equal(t, 1, snapshot.Depositors)

	w = e.do(t, http.MethodGet, "/api/v1/shares/"+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	shares := decode[map[string]string](t, w)
	assert.Equal(t, "100", shares["shares"])
	assert.Equal(t, "100", shares["assets"])

	w = e.do(t, http.MethodGet, "/api/v1/health-factor", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(decode[map[string]string](t, w)["health_factor"], "1.67"))

	w = e.do(t, http.MethodPost, "/api/v1/withdraw", &alice, map[string]string{"shares": "50"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "50", decode[map[string]string](t, w)["assets"])

	w = e.do(t, http.MethodGet, "/api/v1/convert/to-assets?shares=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", decode[map[string]string](t, w)["assets"])

	w = e.do(t, http.MethodGet, "/api/v1/intents", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	intents := decode[[]vault.Intent](t, w)
	require.Len(t, intents, 2)
	assert.Equal(t, "deposit", intents[0].Operation)
	assert.Equal(t, "done", intents[1].Status)
}

func TestServer_ErrorMapping(t *testing.T) {
	e := newTestEnv(t, "50")
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1000"}).Code)

	tests := []struct {
		name   string
		method string
		path   string
		caller *common.Address
		body   any
		status int
		code   string
	}{
		{name: "missing caller", method: http.MethodPost, path: "/api/v1/deposit", body: map[string]string{"amount": "1"}, status: http.StatusBadRequest, code: "invalid_caller"},
		{name: "bad amount", method: http.MethodPost, path: "/api/v1/deposit", caller: &alice, body: map[string]string{"amount": "lots"}, status: http.StatusBadRequest, code: "invalid_amount"},
		{name: "zero amount", method: http.MethodPost, path: "/api/v1/deposit", caller: &alice, body: map[string]string{"amount": "0"}, status: http.StatusBadRequest, code: "zero_amount"},
		{name: "no shares", method: http.MethodPost, path: "/api/v1/withdraw", caller: &alice, body: map[string]string{"shares": "1"}, status: http.StatusBadRequest, code: "share_balance_too_low: have 0, want 1000000000000000000"},
		{name: "pool failure", method: http.MethodPost, path: "/api/v1/deposit", caller: &alice, body: map[string]string{"amount": "100"}, status: http.StatusBadGateway, code: "pool_borrow_failed"},
		{name: "not operator", method: http.MethodPost, path: "/api/v1/delever", caller: &alice, status: http.StatusForbidden, code: "caller_not_operator"},
		{name: "invalid params", method: http.MethodPut, path: "/api/v1/risk-parameters", caller: &operator, body: map[string]any{
			"target_health_factor": "1.1", "min_health_factor": "1.2", "max_health_factor": "2", "target_ltv_bps": 6000,
		}, status: http.StatusBadRequest, code: "min_health_factor_not_below_target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.caller, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestServer_EmergencyPausesDeposits(t *testing.T) {
	e := newTestEnv(t, "1000")
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1000"}).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/deposit", &alice, map[string]string{"amount": "100"}).Code)

	w := e.do(t, http.MethodPost, "/api/v1/emergency-withdraw", &operator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[map[string]string](t, w)
	assert.Equal(t, "130.56", result["debt_repaid"])
	assert.Equal(t, "100", result["collateral_released"])

	w = e.do(t, http.MethodPost, "/api/v1/deposit", &alice, map[string]string{"amount": "10"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "deposits_paused", decode[ErrorResponse](t, w).Code)

	require.Equal(t, http.StatusNoContent, e.do(t, http.MethodPost, "/api/v1/unpause", &operator, nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/deposit", &alice, map[string]string{"amount": "10"}).Code)
}

func TestServer_RiskParametersAndRebalance(t *testing.T) {
	e := newTestEnv(t, "1000")

	w := e.do(t, http.MethodPut, "/api/v1/risk-parameters", &operator, map[string]any{
		"target_health_factor": "1.6", "min_health_factor": "1.3", "max_health_factor": "2.5", "target_ltv_bps": 5000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, "/api/v1/risk-parameters", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	params := decode[RiskParametersResponse](t, w)
	assert.Equal(t, "1.6", params.TargetHealthFactor)
	assert.Equal(t, "1.3", params.MinHealthFactor)
	assert.Equal(t, "2.5", params.MaxHealthFactor)
	assert.Equal(t, int64(5000), params.TargetLTVBps)
	assert.Equal(t, 4, params.MaxLoopIterations)

	// empty vault: no debt, nothing to relever into
	w = e.do(t, http.MethodPost, "/api/v1/rebalance", &alice, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rebalance := decode[RebalanceResponse](t, w)
	assert.Equal(t, "noop", rebalance.Action)
	assert.Equal(t, "inf", rebalance.HealthFactorBefore)
}

func TestServer_APIToken(t *testing.T) {
	e := newTestEnv(t, "1000", WithAPIToken("s3cret"))

	w := e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1"}, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1"}, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	// reads stay open
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/position", nil, nil).Code)
}

func TestServer_SnapshotsAndMetrics(t *testing.T) {
	e := newTestEnv(t, "1000")
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1000"}).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/deposit", &alice, map[string]string{"amount": "100"}).Code)

	w := e.do(t, http.MethodGet, "/api/v1/snapshots", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]domain.PositionSnapshotRecord](t, w)
	require.Len(t, records, 1)
	assert.Equal(t, domain.MustUnits("100").String(), records[0].Snapshot.TotalShares)

	w = e.do(t, http.MethodGet, "/api/v1/snapshots?after=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]domain.PositionSnapshotRecord](t, w))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/snapshots?after=x", nil, nil).Code)

	w = e.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loopvault_operations_total")
}

func TestServer_SnapshotStream(t *testing.T) {
	e := newTestEnv(t, "1000")
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/sim/faucet", &alice, map[string]string{"amount": "1000"}).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/deposit", &alice, map[string]string{"amount": "100"}).Code)

	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/snapshots/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "id: 1", lines[0])
	assert.Equal(t, "event: position", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "data: {"))
}
