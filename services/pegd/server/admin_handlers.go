package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"cryptofiat/native/peg"
	"cryptofiat/services/pegd/storage"
)

// setRateRequest is the body of PUT /admin/rates/{currency}. The signature
// covers the currency from the path together with rate and nonce.
type setRateRequest struct {
	Rate      int64  `json:"rate"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	c, ok := s.currencyParam(w, r)
	if !ok {
		return
	}
	var req setRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", "")
		return
	}
	sig, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be 0x-prefixed hex", "")
		return
	}
	update := peg.RateUpdate{Currency: c, Rate: req.Rate, Nonce: req.Nonce}
	signer, err := peg.RecoverRateUpdateSigner(update, sig)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// Nonces are only recorded for the administrator key.
	if signer != s.svc.Engine().Administrator() {
		s.logger.Warn("pegd: rate update signed by non-administrator", "signer", signer.Hex(), "currency", c.String())
		s.writeEngineError(w, fmt.Errorf("%w: %s is not the administrator", peg.ErrUnauthorized, signer.Hex()))
		return
	}
	if err := s.storage.ClaimNonce(r.Context(), signer, req.Nonce); err != nil {
		if errors.Is(err, storage.ErrStaleNonce) {
			writeError(w, http.StatusConflict, err.Error(), "stale_nonce")
			return
		}
		s.logger.Error("pegd: claim nonce", "signer", signer.Hex(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record nonce", "")
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	s.logger.Info("pegd: signed rate update received",
		"currency", c.String(),
		"rate", req.Rate,
		"nonce", req.Nonce,
		"signer", signer.Hex(),
		"auth_method", principal.Method,
		"auth_subject", principal.Subject)
	change, err := s.svc.SetRate(r.Context(), signer, c, req.Rate)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currency":      change.Currency.String(),
		"old_rate":      change.OldRate,
		"new_rate":      change.NewRate,
		"supply":        change.Supply.Dec(),
		"required_old":  change.RequiredOld.Dec(),
		"required_new":  change.RequiredNew.Dec(),
		"buffer_before": change.BufferBefore.Dec(),
		"buffer_after":  change.BufferAfter.Dec(),
		"policy":        change.Policy,
	})
}

type policyPayload struct {
	ID            string `json:"id,omitempty"`
	BuyLimit      string `json:"buy_limit"`
	SellLimit     string `json:"sell_limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy := s.currentPolicy()
	writeJSON(w, http.StatusOK, policyPayload{
		ID:            policy.ID,
		BuyLimit:      limitString(policy.BuyLimit),
		SellLimit:     limitString(policy.SellLimit),
		WindowSeconds: int64(policy.Window.Seconds()),
	})
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", "")
		return
	}
	if req.WindowSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "window_seconds must be positive", "")
		return
	}
	buy, err := optionalLimit(req.BuyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "buy_limit: "+err.Error(), "")
		return
	}
	sell, err := optionalLimit(req.SellLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sell_limit: "+err.Error(), "")
		return
	}
	policy := storage.Policy{
		ID:        s.cfg.PolicyID,
		BuyLimit:  buy,
		SellLimit: sell,
		Window:    time.Duration(req.WindowSeconds) * time.Second,
	}
	if err := s.storage.SavePolicy(r.Context(), policy); err != nil {
		s.logger.Error("pegd: save policy", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist policy", "")
		return
	}
	s.setPolicy(policy)
	w.WriteHeader(http.StatusNoContent)
}

func optionalLimit(raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return ParseBaseUnits(raw)
}

func limitString(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
