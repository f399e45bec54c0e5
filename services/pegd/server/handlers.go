package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"cryptofiat/native/peg"
	"cryptofiat/observability"
	"cryptofiat/services/pegd/storage"
)

type rateView struct {
	Currency string `json:"currency"`
	Symbol   string `json:"symbol"`
	Rate     int64  `json:"rate"`
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	engine := s.svc.Engine()
	rates := engine.Rates()
	out := make([]rateView, 0, len(peg.Currencies))
	for _, c := range peg.Currencies {
		out = append(out, rateView{Currency: c.String(), Symbol: c.Symbol(), Rate: rates[c]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rates": out})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.currencyParam(w, r)
	if !ok {
		return
	}
	rate, err := s.svc.Engine().Rate(c)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateView{Currency: c.String(), Symbol: c.Symbol(), Rate: rate})
}

func (s *Server) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := s.currencyParam(w, r)
	if !ok {
		return
	}
	changes, err := s.svc.RateChanges(r.Context(), c, queryLimit(r))
	if err != nil {
		s.logger.Error("pegd: list rate changes", "currency", c.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rate history", "")
		return
	}
	out := make([]map[string]any, 0, len(changes))
	for _, change := range changes {
		out = append(out, map[string]any{
			"old_rate":      change.OldRate,
			"new_rate":      change.NewRate,
			"supply":        change.Supply.Dec(),
			"buffer_before": change.BufferBefore.Dec(),
			"buffer_after":  change.BufferAfter.Dec(),
			"policy":        change.Policy,
			"actor":         change.Actor.Hex(),
			"created_at":    change.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"currency": c.String(), "changes": out})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	engine := s.svc.Engine()
	report, err := s.svc.Solvency()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	pegged, err := engine.TotalPeggedValue()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	dec := s.cfg.NativeDecimals
	buffers := make(map[string]string, len(peg.Currencies))
	backing := make(map[string]string, len(peg.Currencies))
	for _, c := range peg.Currencies {
		share, err := engine.BufferOf(c)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		buffers[c.String()] = share.Dec()
		backing[c.String()] = report.Backing[c].Dec()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"native_balance":         report.NativeBalance.Dec(),
		"native_balance_display": FormatUnits(report.NativeBalance, dec),
		"buffer":                 report.Buffer.Dec(),
		"buffer_display":         FormatUnits(report.Buffer, dec),
		"buffers":                buffers,
		"dividends":              report.Dividends.Dec(),
		"dividends_display":      FormatUnits(report.Dividends, dec),
		"total_pegged_value":     pegged.Dec(),
		"required_backing":       report.RequiredBacking.Dec(),
		"backing":                backing,
		"surplus":                report.Surplus.Dec(),
		"deficit":                report.Deficit.Dec(),
		"collateral_ratio_bps":   report.CollateralRatioBps,
		"collateralized":         report.Collateralized(),
		"rebalance_policy":       engine.PolicyName(),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	c, ok := s.currencyParam(w, r)
	if !ok {
		return
	}
	engine := s.svc.Engine()
	supply, err := engine.TotalSupply(c)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	required, err := engine.RequiredBacking(c)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currency":         c.String(),
		"symbol":           c.Symbol(),
		"total_supply":     supply.Dec(),
		"required_backing": required.Dec(),
	})
}

func (s *Server) handleHolder(w http.ResponseWriter, r *http.Request) {
	c, ok := s.currencyParam(w, r)
	if !ok {
		return
	}
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	holder := common.HexToAddress(raw)
	engine := s.svc.Engine()
	balance, err := engine.BalanceOf(c, holder)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	reserved, err := engine.ReservedAmountOf(c, holder)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currency":         c.String(),
		"holder":           holder.Hex(),
		"balance":          balance.Dec(),
		"reserved":         reserved.Dec(),
		"reserved_display": FormatUnits(reserved, s.cfg.NativeDecimals),
	})
}

type orderRequest struct {
	Currency string `json:"currency"`
	// Amount is in base units: native for buys, tokens for sells.
	Amount string `json:"amount"`
	// Native is a human decimal alternative to Amount for buys.
	Native string `json:"native,omitempty"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	investor, ok := InvestorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "")
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", "")
		return
	}
	c, err := peg.ParseCurrency(req.Currency)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	var amount *uint256.Int
	if strings.TrimSpace(req.Amount) == "" && strings.TrimSpace(req.Native) != "" {
		amount, err = ParseUnits(req.Native, s.cfg.NativeDecimals)
	} else {
		amount, err = ParseBaseUnits(req.Amount)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if !s.checkWindow(w, r, investor, storage.ActionBuy, amount) {
		return
	}
	res, err := s.svc.Buy(r.Context(), c, investor, amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	rc := res.Receipt
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":     res.OrderID,
		"currency":     rc.Currency.String(),
		"symbol":       rc.Currency.Symbol(),
		"rate":         rc.Rate,
		"native_in":    rc.NativeIn.Dec(),
		"buffer_fee":   rc.BufferFee.Dec(),
		"dividend_fee": rc.DividendFee.Dec(),
		"net":          rc.Net.Dec(),
		"minted":       rc.Minted.Dec(),
	})
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	investor, ok := InvestorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "")
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", "")
		return
	}
	c, err := peg.ParseCurrency(req.Currency)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	tokens, err := ParseBaseUnits(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if !s.checkWindow(w, r, investor, storage.ActionSell, tokens) {
		return
	}
	res, err := s.svc.Sell(r.Context(), c, investor, tokens)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	rc := res.Receipt
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":       res.OrderID,
		"currency":       rc.Currency.String(),
		"symbol":         rc.Currency.Symbol(),
		"rate":           rc.Rate,
		"burned":         rc.Burned.Dec(),
		"payout":         rc.Payout.Dec(),
		"payout_display": FormatUnits(rc.Payout, s.cfg.NativeDecimals),
		"released":       rc.Released.Dec(),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	investor, ok := InvestorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "")
		return
	}
	orders, err := s.svc.Orders(r.Context(), investor, queryLimit(r))
	if err != nil {
		s.logger.Error("pegd: list orders", "investor", investor.Hex(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load orders", "")
		return
	}
	out := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, map[string]any{
			"order_id":       o.ID,
			"kind":           string(o.Kind),
			"currency":       o.Currency.String(),
			"rate":           o.Rate,
			"native_amount":  o.NativeAmount.Dec(),
			"token_amount":   o.TokenAmount.Dec(),
			"buffer_fee":     o.BufferFee.Dec(),
			"dividend_fee":   o.DividendFee.Dec(),
			"reserved_delta": o.ReservedDelta.Dec(),
			"created_at":     o.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"investor": investor.Hex(), "orders": out})
}

// checkWindow applies the sliding-window volume policy. It writes the
// response and returns false when the request must stop.
func (s *Server) checkWindow(w http.ResponseWriter, r *http.Request, investor common.Address, action storage.ThrottleAction, amount *uint256.Int) bool {
	policy := s.currentPolicy()
	limit := policy.BuyLimit
	if action == storage.ActionSell {
		limit = policy.SellLimit
	}
	allowed, err := s.storage.CheckThrottle(r.Context(), policy.ID, investor.Hex(), action, limit, policy.Window, amount, s.now())
	if err != nil {
		s.logger.Error("pegd: throttle check", "investor", investor.Hex(), "action", string(action), "error", err)
		writeError(w, http.StatusInternalServerError, "throttle error", "")
		return false
	}
	if !allowed {
		observability.HTTP().RecordThrottle(r.URL.Path, "window_"+string(action))
		writeError(w, http.StatusTooManyRequests, string(action)+" volume limit exceeded", "")
		return false
	}
	return true
}

func (s *Server) currencyParam(w http.ResponseWriter, r *http.Request) (peg.Currency, bool) {
	c, err := peg.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		s.writeEngineError(w, err)
		return 0, false
	}
	return c, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("pegd: request failed", "error", err)
	}
	writeError(w, status, err.Error(), peg.ErrorCode(err))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, peg.ErrZeroInvestment),
		errors.Is(err, peg.ErrInvalidAmount),
		errors.Is(err, peg.ErrInvalidRate),
		errors.Is(err, peg.ErrUnknownCurrency):
		return http.StatusBadRequest
	case errors.Is(err, peg.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, peg.ErrInsufficientBalance),
		errors.Is(err, peg.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, peg.ErrInsufficientReserve),
		errors.Is(err, peg.ErrBufferUnderflow):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
