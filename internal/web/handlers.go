package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/services/vault"
)

// Amounts in requests and in operation responses are token units with up to 18 decimals
// ("100.5"); health factors are plain ratios ("1.5"). Position snapshots keep raw base units.

type amountRequest struct {
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Shares string `json:"shares"`
}

type riskParametersRequest struct {
	TargetHealthFactor string `json:"target_health_factor"`
	MinHealthFactor    string `json:"min_health_factor"`
	MaxHealthFactor    string `json:"max_health_factor"`
	TargetLTVBps       int64  `json:"target_ltv_bps"`
}

type priceRequest struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

// RiskParametersResponse renders risk parameters as plain ratios.
type RiskParametersResponse struct {
	TargetHealthFactor string `json:"target_health_factor"`
	MinHealthFactor    string `json:"min_health_factor"`
	MaxHealthFactor    string `json:"max_health_factor"`
	TargetLTVBps       int64  `json:"target_ltv_bps"`
	MaxLoopIterations  int    `json:"max_loop_iterations"`
}

// RebalanceResponse is the outcome of rebalance and delever.
type RebalanceResponse struct {
	Action             string `json:"action"`
	HealthFactorBefore string `json:"health_factor_before"`
	Amount             string `json:"amount"`
}

func newRiskParametersResponse(p domain.RiskParameters) RiskParametersResponse {
	return RiskParametersResponse{
		TargetHealthFactor: domain.FromWad(p.TargetHealthFactor).String(),
		MinHealthFactor:    domain.FromWad(p.MinHealthFactor).String(),
		MaxHealthFactor:    domain.FromWad(p.MaxHealthFactor).String(),
		TargetLTVBps:       p.TargetLTVBps,
		MaxLoopIterations:  p.MaxLoopIterations,
	}
}

func newRebalanceResponse(r vault.RebalanceResult) RebalanceResponse {
	return RebalanceResponse{
		Action:             r.Action.String(),
		HealthFactorBefore: healthFactorString(r.HealthFactorBefore),
		Amount:             domain.Human(r.Amount),
	}
}

// healthFactorString renders "inf" for the no-debt sentinel.
func healthFactorString(hf decimal.Decimal) string {
	if hf.GreaterThanOrEqual(noDebtHealthFactor) {
		return "inf"
	}
	return domain.FromWad(hf).String()
}

// anything this large can only be the no-debt sentinel
var noDebtHealthFactor = domain.MustWad("1000000000000000000")

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.vault.GetPositionSnapshot(r.Context())
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	hf, err := s.vault.GetHealthFactor(r.Context())
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"health_factor":     healthFactorString(hf),
		"health_factor_wad": hf.String(),
	})
}

func (s *Server) handleShares(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["holder"]
	if !common.IsHexAddress(raw) {
		respondWithError(w, http.StatusBadRequest, "invalid_address", "holder must be a hex address", raw)
		return
	}
	holder := common.HexToAddress(raw)

	shares := s.vault.BalanceOf(r.Context(), holder)
	assets, err := s.vault.ConvertToAssets(r.Context(), shares)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"holder":       holder.Hex(),
		"shares":       domain.Human(shares),
		"assets":       domain.Human(assets),
		"total_shares": domain.Human(s.vault.TotalShares(r.Context())),
	})
}

func (s *Server) handleConvertToShares(w http.ResponseWriter, r *http.Request) {
	assets, err := domain.Units(r.URL.Query().Get("assets"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_amount", "assets must be a token amount", err.Error())
		return
	}
	shares, err := s.vault.ConvertToShares(r.Context(), assets)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"assets": domain.Human(assets), "shares": domain.Human(shares)})
}

func (s *Server) handleConvertToAssets(w http.ResponseWriter, r *http.Request) {
	shares, err := domain.Units(r.URL.Query().Get("shares"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_amount", "shares must be a token amount", err.Error())
		return
	}
	assets, err := s.vault.ConvertToAssets(r.Context(), shares)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"shares": domain.Human(shares), "assets": domain.Human(assets)})
}

func (s *Server) handleGetRiskParameters(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, newRiskParametersResponse(s.vault.RiskParameters(r.Context())))
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.vault.Intents(r.Context()))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := domain.Units(req.Amount)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_amount", "amount must be a token amount", err.Error())
		return
	}

	shares, err := s.vault.Deposit(r.Context(), caller, amount)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"amount": domain.Human(amount), "shares": domain.Human(shares)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	shares, err := domain.Units(req.Shares)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_amount", "shares must be a token amount", err.Error())
		return
	}

	assets, err := s.vault.Withdraw(r.Context(), caller, shares)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"shares": domain.Human(shares), "assets": domain.Human(assets)})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	result, err := s.vault.Rebalance(r.Context(), caller)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newRebalanceResponse(result))
}

func (s *Server) handleDelever(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	result, err := s.vault.Delever(r.Context(), caller)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newRebalanceResponse(result))
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	result, err := s.vault.EmergencyWithdrawAll(r.Context(), caller)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"debt_repaid":         domain.Human(result.DebtRepaid),
		"collateral_released": domain.Human(result.CollateralReleased),
	})
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	if err := s.vault.Unpause(r.Context(), caller); err != nil {
		s.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateRiskParameters(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req riskParametersRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var ratios [3]decimal.Decimal
	for i, raw := range []string{req.TargetHealthFactor, req.MinHealthFactor, req.MaxHealthFactor} {
		wad, err := domain.ToWad(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid_health_factor", "health factors must be decimal ratios", err.Error())
			return
		}
		ratios[i] = wad
	}

	params, err := s.vault.UpdateRiskParameters(r.Context(), caller, ratios[0], ratios[1], ratios[2], req.TargetLTVBps)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newRiskParametersResponse(params))
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := domain.Units(req.Amount)
	if err != nil || !amount.IsPositive() {
		respondWithError(w, http.StatusBadRequest, "invalid_amount", "amount must be a positive token amount", "")
		return
	}
	if err := s.sim.Fund(r.Context(), caller, amount); err != nil {
		respondWithError(w, http.StatusBadGateway, "faucet_failed", "faucet failed", err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"funded": caller.Hex(), "amount": domain.Human(amount)})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Asset) {
		respondWithError(w, http.StatusBadRequest, "invalid_address", "asset must be a hex address", req.Asset)
		return
	}
	price, err := domain.ToWad(req.Price)
	if err != nil || !price.IsPositive() {
		respondWithError(w, http.StatusBadRequest, "invalid_price", "price must be a positive ratio", "")
		return
	}
	if err := s.sim.SetPrice(r.Context(), common.HexToAddress(req.Asset), price); err != nil {
		respondWithError(w, http.StatusBadGateway, "set_price_failed", "failed to set price", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleServiceError maps vault error kinds to HTTP statuses.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	reason := domain.ReasonOf(err)
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		respondWithError(w, http.StatusForbidden, reason, "caller is not the operator", "")
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInsufficientBalance):
		respondWithError(w, http.StatusBadRequest, reason, domain.KindOf(err).String(), err.Error())
	case errors.Is(err, domain.ErrOperationalState):
		respondWithError(w, http.StatusConflict, reason, domain.KindOf(err).String(), err.Error())
	case errors.Is(err, domain.ErrPoolInteraction):
		respondWithError(w, http.StatusBadGateway, reason, domain.KindOf(err).String(), err.Error())
	default:
		s.l.Error("unclassified vault error", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal_error", "internal server error", err.Error())
	}
}

func callerFrom(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(callerHeader)
	if !common.IsHexAddress(raw) {
		respondWithError(w, http.StatusBadRequest, "invalid_caller", callerHeader+" must be a hex address", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON", err.Error())
		return false
	}
	return true
}

func parseIndex(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{Error: message, Code: code, Details: details})
}
