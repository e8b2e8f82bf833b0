package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/autotransfer/internal/chains"
	"github.com/vultisig/autotransfer/internal/chains/chaintest"
	"github.com/vultisig/autotransfer/internal/scheduler"
	"github.com/vultisig/autotransfer/internal/types"
	"github.com/vultisig/autotransfer/service"
	"github.com/vultisig/autotransfer/storage/storagetest"
)

const (
	testSecret = "test-secret"
	baseChain  = int64(8453)
	rskChain   = int64(30)
	recipient  = "0x00000000000000000000000000000000000000a1"
)

type stubSweeper struct{}

func (stubSweeper) SweepNow(ctx context.Context) []scheduler.SweepReport {
	return []scheduler.SweepReport{{Kind: scheduler.SweepTransfers}, {Kind: scheduler.SweepPrices}}
}

type testAPI struct {
	router *echo.Echo
	store  *storagetest.Store
	auth   *service.AuthService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := chains.NewRegistryFromChains(logger,
		&chains.Chain{
			Profile: chains.Profile{
				ChainID:      baseChain,
				Strategy:     types.MethodMultisig,
				NativeSymbol: "ETH",
				Swap: &chains.Swap{
					Router:        common.HexToAddress("0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24"),
					WrappedNative: common.HexToAddress("0x4200000000000000000000000000000000000006"),
					SlippageBps:   100,
					Deadline:      10 * time.Minute,
				},
			},
			Client: chaintest.NewClient(baseChain),
		},
		&chains.Chain{
			Profile: chains.Profile{ChainID: rskChain, Strategy: types.MethodCustomAccount, NativeSymbol: "RBTC"},
			Client:  chaintest.NewClient(rskChain),
		},
	)

	store := storagetest.NewStore()
	for _, user := range []string{"user-1", "user-2"} {
		for _, chainID := range []int64{baseChain, rskChain} {
			require.NoError(t, store.UpsertSmartAccount(context.Background(), types.SmartAccount{
				UserID:  user,
				ChainID: chainID,
				Address: "0x00000000000000000000000000000000000005af",
				Status:  types.AccountActive,
			}))
		}
	}

	transfers, err := service.NewTransferService(store, registry, nil, nil, nil, stubSweeper{}, logger)
	require.NoError(t, err)
	auth := service.NewAuthService(testSecret)
	server := NewServer(8080, nil, transfers, auth, logger)
	return &testAPI{router: server.Router(), store: store, auth: auth}
}

func (a *testAPI) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		token, err := a.auth.GenerateToken(user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)
	testCases := []struct {
		name   string
		header string
	}{
		{name: "No header", header: ""},
		{name: "Wrong scheme", header: "Basic abc"},
		{name: "Bad token", header: "Bearer not-a-token"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/transfers", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			a.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestPing(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/ping", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestScheduleOnceEndpoint(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantCount  int
	}{
		{
			name:       "Fan out",
			body:       `{"recipient":"` + recipient + `","amount":"0.5","asset":"ETH","chain_ids":[8453,30],"delay_seconds":3600}`,
			wantStatus: http.StatusCreated,
			wantCount:  2,
		},
		{
			name:       "Negative delay",
			body:       `{"recipient":"` + recipient + `","amount":"0.5","asset":"ETH","chain_ids":[8453],"delay_seconds":-5}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidSchedule,
		},
		{
			name:       "Unknown chain",
			body:       `{"recipient":"` + recipient + `","amount":"0.5","asset":"ETH","chain_ids":[999],"delay_seconds":60}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrUnsupportedChain,
		},
		{
			name:       "Malformed body",
			body:       `{"chain_ids":"nope"}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAPI(t)
			rec := a.do(t, http.MethodPost, "/v1/transfers/once", "user-1", tc.body)
			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, body["code"])
			}
			if tc.wantCount > 0 {
				transfers, ok := body["transfers"].([]any)
				require.True(t, ok)
				assert.Len(t, transfers, tc.wantCount)
			}
		})
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/v1/transfers/once", "user-1",
		`{"recipient":"`+recipient+`","amount":"1","asset":"RBTC","chain_ids":[30],"delay_seconds":3600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result service.ScheduleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Transfers, 1)
	path := "/v1/transfers/" + result.Transfers[0].ID.String()

	testCases := []struct {
		name       string
		method     string
		path       string
		user       string
		wantStatus int
	}{
		{name: "Owner reads", method: http.MethodGet, path: path, user: "user-1", wantStatus: http.StatusOK},
		{name: "Other user reads", method: http.MethodGet, path: path, user: "user-2", wantStatus: http.StatusNotFound},
		{name: "Other user lists attempts", method: http.MethodGet, path: path + "/attempts", user: "user-2", wantStatus: http.StatusNotFound},
		{name: "Other user cancels", method: http.MethodDelete, path: path, user: "user-2", wantStatus: http.StatusNotFound},
		{name: "Other user cancels schedule", method: http.MethodDelete, path: "/v1/schedules/" + result.ScheduleID.String(), user: "user-2", wantStatus: http.StatusNotFound},
		{name: "Bad id", method: http.MethodGet, path: "/v1/transfers/xyz", user: "user-1", wantStatus: http.StatusBadRequest},
		{name: "Unknown id", method: http.MethodGet, path: "/v1/transfers/" + uuid.NewString(), user: "user-1", wantStatus: http.StatusNotFound},
		{name: "Owner cancels", method: http.MethodDelete, path: path, user: "user-1", wantStatus: http.StatusNoContent},
		{name: "Cancel twice conflicts", method: http.MethodDelete, path: path, user: "user-1", wantStatus: http.StatusConflict},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.do(t, tc.method, tc.path, tc.user, "")
			assert.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/v1/transfers/once", "user-1",
		`{"recipient":"`+recipient+`","amount":"1","asset":"RBTC","chain_ids":[30],"delay_seconds":3600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result service.ScheduleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = a.do(t, http.MethodGet, "/v1/ready/"+result.Transfers[0].ID.String(), "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Ready         bool   `json:"ready"`
		TimeRemaining int64  `json:"time_remaining_seconds"`
		Status        string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, string(types.TransferPending), body.Status)
	assert.InDelta(t, 3600, body.TimeRemaining, 5)
}

func TestPriceTriggerEndpoints(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "Created",
			body:       `{"comparison":"Below","target_price":"50000","source_asset":"eth","dest_asset":"usdc","amount":"0.1","chain_id":8453}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "No swap router",
			body:       `{"comparison":"above","target_price":"1","source_asset":"RBTC","dest_asset":"USDC","amount":"0.1","chain_id":30}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrUnsupportedChain,
		},
		{
			name:       "Bad price",
			body:       `{"comparison":"above","target_price":"abc","source_asset":"ETH","dest_asset":"USDC","amount":"0.1","chain_id":8453}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Bad comparison",
			body:       `{"comparison":"near","target_price":"1","source_asset":"ETH","dest_asset":"USDC","amount":"0.1","chain_id":8453}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAPI(t)
			rec := a.do(t, http.MethodPost, "/v1/triggers", "user-1", tc.body)
			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
			if tc.wantCode != "" {
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tc.wantCode, body["code"])
			}
			if tc.wantStatus != http.StatusCreated {
				return
			}

			var tr types.PriceTrigger
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
			assert.Equal(t, types.ComparisonBelow, tr.Comparison)
			assert.Equal(t, "ETH", tr.SourceAsset)

			path := "/v1/triggers/" + tr.ID.String()
			assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, path, "user-2", "").Code)
			assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, path, "user-1", "").Code)
			assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodDelete, path, "user-1", "").Code)

			stored, err := a.store.GetPriceTrigger(context.Background(), tr.ID)
			require.NoError(t, err)
			assert.Equal(t, types.TriggerCancelled, stored.Status)
		})
	}
}

func TestSweepEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/v1/sweep", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result service.SweepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Queued)
	assert.Len(t, result.Reports, 2)
}

func TestRefreshTokenEndpoint(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/v1/token/refresh", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	claims, err := a.auth.ValidateToken(body["token"])
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}
