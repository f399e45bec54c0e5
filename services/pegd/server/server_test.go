package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"cryptofiat/native/peg"
	"cryptofiat/services/pegd/issuance"
	"cryptofiat/services/pegd/storage"
)

const (
	testBearer = "s3cret"
	testSecret = "investor-secret"
)

var investorAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")

type harness struct {
	handler  http.Handler
	adminKey *ecdsa.PrivateKey
	store    *storage.Storage
	svc      *issuance.Service
	now      time.Time
}

func newHarness(t *testing.T, limiter *InvestorLimiter) *harness {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	admin, err := peg.NewAdministrator(ethcrypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)
	svc, err := issuance.New(peg.Config{Administrator: admin}, store, nil)
	require.NoError(t, err)

	adminAuth, err := NewAdminAuthenticator(AdminAuthConfig{BearerToken: testBearer}, nil)
	require.NoError(t, err)
	investors, err := NewInvestorAuthenticator(InvestorAuthConfig{Secret: testSecret, Issuer: "pegd-auth", Audience: "pegd"}, nil)
	require.NoError(t, err)

	now := time.Now()
	srv, err := New(Config{NativeDecimals: peg.DefaultNativeDecimals, TLS: TLSConfig{Disabled: true}}, Deps{
		Service:   svc,
		Storage:   store,
		AdminAuth: adminAuth,
		Investors: investors,
		Limiter:   limiter,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	return &harness{handler: srv.Handler(), adminKey: key, store: store, svc: svc, now: now}
}

func (h *harness) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
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
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) investorToken(t *testing.T, investor common.Address) string {
	t.Helper()
	token, err := IssueInvestorToken(testSecret, investor, "pegd-auth", "pegd", time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func signedRate(t *testing.T, key *ecdsa.PrivateKey, c peg.Currency, rate int64, nonce uint64) setRateRequest {
	t.Helper()
	sig, err := peg.SignRateUpdate(peg.RateUpdate{Currency: c, Rate: rate, Nonce: nonce}, key)
	require.NoError(t, err)
	return setRateRequest{Rate: rate, Nonce: nonce, Signature: hexutil.Encode(sig)}
}

func TestPublicReads(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/rates/cusd", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "USD", body["currency"])
	require.Equal(t, float64(25000), body["rate"])

	rec = h.do(t, http.MethodGet, "/v1/rates/GBP", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "unknown_currency", decode(t, rec)["code"])

	rec = h.do(t, http.MethodGet, "/v1/reserve", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", decode(t, rec)["native_balance"])

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuySellFlow(t *testing.T) {
	h := newHarness(t, nil)
	token := h.investorToken(t, investorAddr)

	rec := h.do(t, http.MethodPost, "/v1/orders/buy", "", map[string]string{"currency": "USD", "amount": "1000000000000000000"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/orders/buy", token, map[string]string{"currency": "USD", "native": "1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "24750", body["minted"])
	require.Equal(t, "5000000000000000", body["buffer_fee"])
	require.NotEmpty(t, body["order_id"])

	rec = h.do(t, http.MethodGet, "/v1/ledgers/USD/holders/"+investorAddr.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	holder := decode(t, rec)
	require.Equal(t, "24750", holder["balance"])
	require.Equal(t, "0.99", holder["reserved_display"])

	rec = h.do(t, http.MethodPost, "/v1/orders/sell", token, map[string]string{"currency": "USD", "amount": "30000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "insufficient_balance", decode(t, rec)["code"])

	rec = h.do(t, http.MethodPost, "/v1/orders/sell", token, map[string]string{"currency": "CUSD", "amount": "24750"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	require.Equal(t, "990000000000000000", body["payout"])
	require.Equal(t, "0.99", body["payout_display"])
	require.Equal(t, "990000000000000000", body["released"])

	rec = h.do(t, http.MethodPost, "/v1/orders/buy", token, map[string]string{"currency": "EUR", "amount": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "zero_investment", decode(t, rec)["code"])

	rec = h.do(t, http.MethodGet, "/v1/orders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orders := decode(t, rec)["orders"].([]any)
	require.Len(t, orders, 2)
	require.Equal(t, "sell", orders[0].(map[string]any)["kind"])

	rec = h.do(t, http.MethodGet, "/v1/reserve", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reserve := decode(t, rec)
	require.Equal(t, "10000000000000000", reserve["native_balance"])
	require.Equal(t, "5000000000000000", reserve["dividends"])
}

func TestInvestorTokenRejected(t *testing.T) {
	h := newHarness(t, nil)
	expired, err := IssueInvestorToken(testSecret, investorAddr, "pegd-auth", "pegd", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	wrongSecret, err := IssueInvestorToken("other", investorAddr, "pegd-auth", "pegd", time.Hour, time.Now())
	require.NoError(t, err)
	wrongAudience, err := IssueInvestorToken(testSecret, investorAddr, "pegd-auth", "elsewhere", time.Hour, time.Now())
	require.NoError(t, err)
	for name, token := range map[string]string{"expired": expired, "secret": wrongSecret, "audience": wrongAudience, "garbage": "abc"} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/v1/orders", token, nil)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAdminSetRate(t *testing.T) {
	h := newHarness(t, nil)
	token := h.investorToken(t, investorAddr)
	rec := h.do(t, http.MethodPost, "/v1/orders/buy", token, map[string]string{"currency": "USD", "amount": "1000000000000000000"})
	require.Equal(t, http.StatusOK, rec.Code)

	req := signedRate(t, h.adminKey, peg.USD, 12500, 1)
	rec = h.do(t, http.MethodPut, "/admin/rates/USD", "", req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPut, "/admin/rates/USD", testBearer, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, float64(25000), body["old_rate"])
	require.Equal(t, float64(12500), body["new_rate"])
	require.Equal(t, "995000000000000000", body["buffer_after"])

	rec = h.do(t, http.MethodPut, "/admin/rates/USD", testBearer, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "stale_nonce", decode(t, rec)["code"])

	// A signature over a different currency recovers a different signer.
	mismatched := signedRate(t, h.adminKey, peg.EUR, 15000, 2)
	rec = h.do(t, http.MethodPut, "/admin/rates/USD", testBearer, mismatched)
	require.Equal(t, http.StatusForbidden, rec.Code)

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	rec = h.do(t, http.MethodPut, "/admin/rates/EUR", testBearer, signedRate(t, other, peg.EUR, 15000, 1))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "unauthorized", decode(t, rec)["code"])

	rec = h.do(t, http.MethodPut, "/admin/rates/USD", testBearer, signedRate(t, h.adminKey, peg.USD, 50000, 3))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "buffer_underflow", decode(t, rec)["code"])

	rec = h.do(t, http.MethodPut, "/admin/rates/USD", testBearer, setRateRequest{Rate: 0, Nonce: 4, Signature: "0x00"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rate, err := h.svc.Engine().Rate(peg.USD)
	require.NoError(t, err)
	require.Equal(t, int64(12500), rate)

	rec = h.do(t, http.MethodGet, "/v1/rates/USD/history", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["changes"].([]any), 1)
}

func TestForeignSignerClaimsNoNonce(t *testing.T) {
	h := newHarness(t, nil)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	otherAddr := ethcrypto.PubkeyToAddress(other.PublicKey)

	for nonce := uint64(1); nonce <= 3; nonce++ {
		rec := h.do(t, http.MethodPut, "/admin/rates/EUR", testBearer, signedRate(t, other, peg.EUR, 15000, nonce))
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "unauthorized", decode(t, rec)["code"])
	}
	// Nothing was recorded for the foreign key, so its lowest nonce is still free.
	require.NoError(t, h.store.ClaimNonce(context.Background(), otherAddr, 1))

	rec := h.do(t, http.MethodPut, "/admin/rates/EUR", testBearer, signedRate(t, h.adminKey, peg.EUR, 15000, 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rate, err := h.svc.Engine().Rate(peg.EUR)
	require.NoError(t, err)
	require.Equal(t, int64(15000), rate)
}

func TestPolicyWindowThrottle(t *testing.T) {
	h := newHarness(t, nil)
	token := h.investorToken(t, investorAddr)

	rec := h.do(t, http.MethodPut, "/admin/policy", testBearer, policyPayload{BuyLimit: "1500000000000000000", WindowSeconds: 3600})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/admin/policy", testBearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	policy := decode(t, rec)
	require.Equal(t, "1500000000000000000", policy["buy_limit"])
	require.Equal(t, "", policy["sell_limit"])

	rec = h.do(t, http.MethodPost, "/v1/orders/buy", token, map[string]string{"currency": "USD", "native": "1"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/orders/buy", token, map[string]string{"currency": "USD", "native": "1"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/orders/buy", token, map[string]string{"currency": "USD", "native": "0.5"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPut, "/admin/policy", testBearer, policyPayload{WindowSeconds: 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvestorRateLimit(t *testing.T) {
	h := newHarness(t, NewInvestorLimiter(0.001, 1))
	token := h.investorToken(t, investorAddr)
	rec := h.do(t, http.MethodGet, "/v1/orders", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/v1/orders", token, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := h.investorToken(t, common.HexToAddress("0x00000000000000000000000000000000000000c3"))
	rec = h.do(t, http.MethodGet, "/v1/orders", other, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticatorRequiresMechanism(t *testing.T) {
	_, err := NewAdminAuthenticator(AdminAuthConfig{}, nil)
	require.Error(t, err)
	_, err = NewInvestorAuthenticator(InvestorAuthConfig{}, nil)
	require.Error(t, err)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	adminAuth, err := NewAdminAuthenticator(AdminAuthConfig{BearerToken: testBearer}, nil)
	require.NoError(t, err)
	investors, err := NewInvestorAuthenticator(InvestorAuthConfig{Secret: testSecret}, nil)
	require.NoError(t, err)
	srv, err := New(Config{ListenAddress: "127.0.0.1:0", TLS: TLSConfig{Disabled: true}}, Deps{
		Service: h.svc, Storage: h.store, AdminAuth: adminAuth, Investors: investors,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
