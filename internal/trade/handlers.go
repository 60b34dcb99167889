package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/fcash-engine/internal/cashgroup"
	"github.com/atmx/fcash-engine/internal/fixedpoint"
	"github.com/atmx/fcash-engine/internal/freecollateral"
	"github.com/atmx/fcash-engine/internal/instrument"
	"github.com/atmx/fcash-engine/internal/limits"
	"github.com/atmx/fcash-engine/internal/liquidation"
	"github.com/atmx/fcash-engine/internal/market"
	"github.com/atmx/fcash-engine/internal/oracle"
	"github.com/atmx/fcash-engine/internal/store"
	"github.com/atmx/fcash-engine/internal/valuation"
)

// Routes mounts the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/currencies/{currencyID}/markets", s.HandleListMarkets)
	r.Post("/markets", s.HandleInitializeMarket)
	r.Get("/quote", s.HandleQuote)
	r.Post("/trade", s.HandleTrade)
	r.Post("/liquidity/add", s.HandleAddLiquidity)
	r.Post("/liquidity/remove", s.HandleRemoveLiquidity)
	r.Post("/pool-tokens/mint", s.HandleMintPoolTokens)
	r.Post("/pool-tokens/redeem", s.HandleRedeemPoolTokens)
	r.Post("/accounts/{accountID}/deposit", s.HandleDeposit)
	r.Post("/accounts/{accountID}/withdraw", s.HandleWithdraw)
	r.Get("/accounts/{accountID}", s.HandleGetAccount)
	r.Get("/accounts/{accountID}/portfolio", s.HandlePortfolio)
	r.Get("/accounts/{accountID}/free-collateral", s.HandleFreeCollateral)
	r.Post("/liquidate", s.HandleLiquidate)
}

// --- HTTP Handlers ---

// HandleListMarkets handles GET /api/v1/currencies/{currencyID}/markets
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "currencyID"), 10, 16)
	if err != nil {
		writeError(w, "invalid currency id", http.StatusBadRequest)
		return
	}
	views, err := s.ListMarkets(r.Context(), uint16(id))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleInitializeMarket handles POST /api/v1/markets
func (s *Service) HandleInitializeMarket(w http.ResponseWriter, r *http.Request) {
	var req InitializeMarketRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.InitializeMarket(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleQuote handles GET /api/v1/quote?ticker=..&fcash=.. (or &cash=..).
// currency_id and maturity may replace ticker.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := MarketRef{Ticker: q.Get("ticker")}
	if ref.Ticker == "" {
		id, err := strconv.ParseUint(q.Get("currency_id"), 10, 16)
		if err != nil {
			writeError(w, "ticker or currency_id and maturity required", http.StatusBadRequest)
			return
		}
		maturity, err := strconv.ParseInt(q.Get("maturity"), 10, 64)
		if err != nil {
			writeError(w, "invalid maturity", http.StatusBadRequest)
			return
		}
		ref.CurrencyID, ref.Maturity = uint16(id), maturity
	}
	fCash, err := optionalDecimal(q.Get("fcash"))
	if err != nil {
		writeError(w, "invalid fcash amount", http.StatusBadRequest)
		return
	}
	cash, err := optionalDecimal(q.Get("cash"))
	if err != nil {
		writeError(w, "invalid cash amount", http.StatusBadRequest)
		return
	}
	quote, err := s.QuoteTrade(r.Context(), ref, fCash, cash)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// HandleTrade handles POST /api/v1/trade
// Executes against the market's curve and returns the cash flows.
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.ApplyTrade(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAddLiquidity handles POST /api/v1/liquidity/add
func (s *Service) HandleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.AddLiquidity(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRemoveLiquidity handles POST /api/v1/liquidity/remove
func (s *Service) HandleRemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req LiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.RemoveLiquidity(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMintPoolTokens handles POST /api/v1/pool-tokens/mint
func (s *Service) HandleMintPoolTokens(w http.ResponseWriter, r *http.Request) {
	var req PoolTokenRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.MintPoolTokens(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRedeemPoolTokens handles POST /api/v1/pool-tokens/redeem
func (s *Service) HandleRedeemPoolTokens(w http.ResponseWriter, r *http.Request) {
	var req PoolTokenRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.RedeemPoolTokens(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDeposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req CashRequest
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")
	acct, err := s.Deposit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleWithdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req CashRequest
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")
	acct, err := s.Withdraw(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleGetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandlePortfolio handles GET /api/v1/accounts/{accountID}/portfolio
// Values are risk adjusted unless ?risk_adjusted=false.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	riskAdjusted := true
	if v := r.URL.Query().Get("risk_adjusted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "invalid risk_adjusted", http.StatusBadRequest)
			return
		}
		riskAdjusted = b
	}
	resp, err := s.PortfolioValue(r.Context(), chi.URLParam(r, "accountID"), riskAdjusted)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleFreeCollateral handles GET /api/v1/accounts/{accountID}/free-collateral
func (s *Service) HandleFreeCollateral(w http.ResponseWriter, r *http.Request) {
	fc, err := s.FreeCollateral(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		freecollateral.Result
		Solvent bool `json:"solvent"`
	}{fc, fc.Solvent()})
}

// HandleLiquidate handles POST /api/v1/liquidate
func (s *Service) HandleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.Liquidate(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func optionalDecimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnknownCurrency),
		errors.Is(err, instrument.ErrInvalidTicker),
		errors.Is(err, instrument.ErrInvalidKind),
		errors.Is(err, market.ErrZeroTrade),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, cashgroup.ErrMaturityNotFound),
		errors.Is(err, cashgroup.ErrIdiosyncraticOutOfRange),
		errors.Is(err, liquidation.ErrInvalidCurrency),
		errors.Is(err, liquidation.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, market.ErrMarketNotInitialized):
		return http.StatusNotFound
	case errors.Is(err, ErrMarketExists),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrSlippage),
		errors.Is(err, limits.ErrPerMaturityLimitExceeded),
		errors.Is(err, limits.ErrPerCurrencyLimitExceeded),
		errors.Is(err, market.ErrMarketMatured):
		return http.StatusConflict
	case errors.Is(err, market.ErrInvalidRate),
		errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, market.ErrZeroLiquidity),
		errors.Is(err, market.ErrNoConvergence),
		errors.Is(err, liquidation.ErrAccountSolvent),
		errors.Is(err, liquidation.ErrNoDebt),
		errors.Is(err, liquidation.ErrNoCollateral),
		errors.Is(err, valuation.ErrPortfolioNotSorted),
		errors.Is(err, valuation.ErrIdiosyncraticPoolClaim),
		errors.Is(err, valuation.ErrAssetMatured),
		errors.Is(err, valuation.ErrMissingCashGroup),
		errors.Is(err, freecollateral.ErrUnknownCurrency),
		errors.Is(err, oracle.ErrUnknownCurrency),
		errors.Is(err, fixedpoint.ErrOverflow),
		errors.Is(err, fixedpoint.ErrUnderflow),
		errors.Is(err, fixedpoint.ErrPrecisionBoundExceeded),
		errors.Is(err, fixedpoint.ErrDivisionByZero):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status it maps to. Internal errors are
// logged and not echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
