package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/metrics"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(memory.WithLockTimeout(2 * time.Second))
	m := metrics.New("test")
	svc := service.New(repo, service.WithMetrics(m))
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo, nil)

	return New(svc, auth, m, nil, "*")
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()
	rec := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func do(t *testing.T, api *API, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := do(t, api, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])

	rec = do(t, api, http.MethodPost, "/healthz", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	rec := do(t, api, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/v1/promotions/active", "/api/v1/cash-sessions/current", "/api/v1/sales/sale-x"} {
		rec := do(t, api, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = do(t, api, http.MethodGet, path, "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestPreviewAppliesPromotions(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	rec := do(t, api, http.MethodPost, "/api/v1/sales/preview", token, domain.PreviewRequest{
		Lines: []domain.CartLineRequest{{ProductID: 1, Quantity: dec("2")}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	quote := decodeBody[domain.Quote](t, rec)
	assert.True(t, quote.Totals.Gross.Equal(dec("7000")), quote.Totals.Gross.String())
	assert.True(t, quote.Totals.Discount.Equal(dec("1750")), quote.Totals.Discount.String())
	assert.True(t, quote.Totals.Net.Equal(dec("5250")), quote.Totals.Net.String())
	assert.Len(t, quote.Promotions, 1)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown product", http.MethodPost, "/api/v1/sales/preview", domain.PreviewRequest{Lines: []domain.CartLineRequest{{ProductID: 999, Quantity: dec("1")}}}, http.StatusNotFound, "product_not_found"},
		{"zero quantity", http.MethodPost, "/api/v1/sales/preview", domain.PreviewRequest{Lines: []domain.CartLineRequest{{ProductID: 1, Quantity: dec("0")}}}, http.StatusBadRequest, "invalid_line"},
		{"insufficient payment", http.MethodPost, "/api/v1/sales", domain.CommitSaleRequest{PaymentMethod: "cash", Paid: dec("1000"), Lines: []domain.CartLineRequest{{ProductID: 1, Quantity: dec("1")}}}, http.StatusBadRequest, "insufficient_payment"},
		{"insufficient stock", http.MethodPost, "/api/v1/sales", domain.CommitSaleRequest{PaymentMethod: "cash", Paid: dec("100000000"), Lines: []domain.CartLineRequest{{ProductID: 2, Quantity: dec("41")}}}, http.StatusBadRequest, "insufficient_stock"},
		{"unknown sale", http.MethodGet, "/api/v1/sales/sale-missing", nil, http.StatusNotFound, "sale_not_found"},
		{"no open session", http.MethodGet, "/api/v1/cash-sessions/current", nil, http.StatusNotFound, "session_not_found"},
		{"missing declared", http.MethodPost, "/api/v1/cash-sessions/close", map[string]any{}, http.StatusBadRequest, "missing_declared_amount"},
		{"cashier cannot adjust stock", http.MethodPost, "/api/v1/stock/adjustments", domain.StockAdjustmentRequest{ProductID: 1, Kind: domain.MovementPurchase, Quantity: dec("5")}, http.StatusForbidden, "forbidden"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, api, tc.method, tc.path, token, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeBody[map[string]any](t, rec)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")
	manager := login(t, api, "manager", "manager123")

	rec := do(t, api, http.MethodPost, "/api/v1/cash-sessions/open", cashier, domain.OpenCashSessionRequest{OpeningBalance: dec("100000")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decodeBody[domain.OpenCashSessionResponse](t, rec)

	rec = do(t, api, http.MethodPost, "/api/v1/cash-sessions/open", cashier, domain.OpenCashSessionRequest{OpeningBalance: dec("5000")})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "already_open", decodeBody[map[string]any](t, rec)["code"])

	commit := domain.CommitSaleRequest{
		IdempotencyKey: "pos-1-0001",
		PaymentMethod:  "cash",
		Paid:           dec("10000"),
		Lines:          []domain.CartLineRequest{{ProductID: 1, Quantity: dec("2")}},
	}
	rec = do(t, api, http.MethodPost, "/api/v1/sales", cashier, commit)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[domain.CommitSaleResponse](t, rec)
	assert.True(t, sale.Total.Equal(dec("5250")))
	assert.True(t, sale.Change.Equal(dec("4750")))
	assert.Equal(t, opened.SessionID, sale.CashSessionID)

	rec = do(t, api, http.MethodPost, "/api/v1/sales", cashier, commit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	replay := decodeBody[domain.CommitSaleResponse](t, rec)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, sale.SaleID, replay.SaleID)

	voidPath := "/api/v1/sales/" + sale.SaleID + "/void"
	rec = do(t, api, http.MethodPost, voidPath, cashier, map[string]string{"reason": "salah input"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, api, http.MethodPost, voidPath, manager, map[string]string{"reason": "salah input"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	voided := decodeBody[domain.VoidSaleResponse](t, rec)
	assert.Equal(t, string(domain.SaleVoid), voided.State)

	rec = do(t, api, http.MethodPost, voidPath, manager, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "already_void", decodeBody[map[string]any](t, rec)["code"])

	rec = do(t, api, http.MethodGet, "/api/v1/sales/"+sale.SaleID, cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decodeBody[domain.Sale](t, rec)
	assert.Equal(t, domain.SaleVoid, stored.State)
	assert.Equal(t, "salah input", stored.VoidReason)

	rec = do(t, api, http.MethodGet, "/api/v1/products/1/movements", cashier, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	movements := decodeBody[struct {
		Movements []domain.StockMovement `json:"movements"`
	}](t, rec).Movements
	require.Len(t, movements, 2)
	assert.Equal(t, domain.MovementVoidReversal, movements[0].Kind)
	assert.Equal(t, domain.MovementSale, movements[1].Kind)

	declared := dec("100000")
	rec = do(t, api, http.MethodPost, "/api/v1/cash-sessions/close", cashier, domain.CloseCashSessionRequest{Declared: &declared})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeBody[domain.Reconciliation](t, rec)
	assert.True(t, summary.SystemBalance.Equal(dec("100000")), summary.SystemBalance.String())
	assert.True(t, summary.Difference.IsZero())
	assert.EqualValues(t, 0, summary.SaleCount)
	assert.EqualValues(t, 1, summary.VoidCount)

	rec = do(t, api, http.MethodPost, "/api/v1/cash-sessions/close", cashier, domain.CloseCashSessionRequest{SessionID: opened.SessionID, Declared: &declared})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "already_closed", decodeBody[map[string]any](t, rec)["code"])
}

func TestIdempotencyKeyHeader(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	send := func() *httptest.ResponseRecorder {
		raw, _ := json.Marshal(domain.CommitSaleRequest{
			PaymentMethod: "qris",
			Lines:         []domain.CartLineRequest{{ProductID: 7, Quantity: dec("1")}},
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "hdr-42")
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := send()
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.True(t, decodeBody[domain.CommitSaleResponse](t, second).Duplicate)
}

func TestStockAdjustmentAndPromotionRefresh(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")

	rec := do(t, api, http.MethodPost, "/api/v1/stock/adjustments", admin, domain.StockAdjustmentRequest{
		ProductID: 2, Kind: domain.MovementPurchase, Quantity: dec("10"), Note: "kiriman pagi",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[domain.StockAdjustmentResponse](t, rec)
	assert.True(t, resp.StockQty.Equal(dec("50")), resp.StockQty.String())

	rec = do(t, api, http.MethodGet, "/api/v1/promotions/active", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeBody[domain.ActivePromotionsResponse](t, rec)
	assert.Len(t, active.Rules, 2)
	assert.Len(t, active.Combos, 1)

	rec = do(t, api, http.MethodPost, "/api/v1/promotions/refresh", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, api, http.MethodGet, "/api/v1/products/abc/movements", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	api := newTestAPI(t)
	do(t, api, http.MethodGet, "/healthz", "", nil)

	rec := do(t, api, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `test_http_requests_total{method="GET",path="/healthz",status="200"} 1`), rec.Body.String())
}
