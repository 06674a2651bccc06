package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vapor/market-engine/internal/auth"
	"github.com/vapor/market-engine/internal/market"
	"github.com/vapor/market-engine/internal/model"
	"github.com/vapor/market-engine/internal/store"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates HTTP handlers for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the API on r. Mutating routes run behind authn, which must
// place the caller identity in the request context.
func (h *Handler) Routes(r chi.Router, authn func(http.Handler) http.Handler) {
	r.Get("/markets", h.ListMarkets)
	r.Get("/markets/{key}", h.GetMarket)
	r.Get("/markets/{key}/quote", h.Quote)
	r.Get("/markets/{key}/history", h.History)
	r.Get("/positions/{user}", h.Positions)
	r.Get("/balances/{account}", h.Balance)
	r.Get("/stats", h.Stats)

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/markets", h.CreateMarket)
		r.Post("/markets/{key}/buy", h.Buy)
		r.Post("/markets/{key}/sell", h.Sell)
		r.Post("/markets/{key}/resolve", h.Resolve)
		r.Post("/markets/{key}/claim", h.Claim)
		r.Post("/faucet", h.Faucet)
	})
}

// --- Request types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	ProjectID           uint64 `json:"project_id"`
	ProjectName         string `json:"project_name"`
	ResolutionTimestamp int64  `json:"resolution_timestamp"`
}

// BuyRequest is the JSON body for POST /markets/{key}/buy.
type BuyRequest struct {
	Side   string `json:"side"` // "YES" or "NO"
	Amount uint64 `json:"amount"`
}

// SellRequest is the JSON body for POST /markets/{key}/sell.
type SellRequest struct {
	Side   string `json:"side"`
	Shares uint64 `json:"shares"`
}

// ResolveRequest is the JSON body for POST /markets/{key}/resolve.
type ResolveRequest struct {
	Winner string `json:"winner"`
}

// ClaimRequest is the JSON body for POST /markets/{key}/claim.
type ClaimRequest struct {
	Side string `json:"side"`
}

// --- Mutations ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}

	m, err := h.svc.CreateMarket(r.Context(), caller, req.ProjectID, req.ProjectName, req.ResolutionTimestamp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// Buy handles POST /api/v1/markets/{key}/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Buy(r.Context(), caller, chi.URLParam(r, "key"), side, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/markets/{key}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req SellRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Sell(r.Context(), caller, chi.URLParam(r, "key"), side, req.Shares)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resolve handles POST /api/v1/markets/{key}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	winner, err := parseSide(req.Winner)
	if err != nil {
		writeError(w, r, err)
		return
	}

	m, err := h.svc.Resolve(r.Context(), caller, chi.URLParam(r, "key"), winner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Claim handles POST /api/v1/markets/{key}/claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Claim(r.Context(), caller, chi.URLParam(r, "key"), side)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Faucet handles POST /api/v1/faucet
func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	bal, err := h.svc.Faucet(r.Context(), caller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": caller, "balance": bal})
}

// --- Queries ---

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?status=open|resolved|cancelled.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var status *model.MarketStatus
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := model.ParseMarketStatus(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation"})
			return
		}
		status = &st
	}

	markets, err := h.svc.ListMarkets(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{key}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMarket(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Quote handles GET /api/v1/markets/{key}/quote?side=YES&amount=100
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	side, err := parseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, r, market.ErrInvalidAmount)
		return
	}

	q, err := h.svc.Quote(r.Context(), chi.URLParam(r, "key"), side, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// History handles GET /api/v1/markets/{key}/history?range=24h
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.History(r.Context(), chi.URLParam(r, "key"), r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// Positions handles GET /api/v1/positions/{user}
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	user := auth.NormalizeIdentity(chi.URLParam(r, "user"))
	positions, err := h.svc.Positions(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// Balance handles GET /api/v1/balances/{account}
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	account := auth.NormalizeIdentity(chi.URLParam(r, "account"))
	bal, err := h.svc.Balance(r.Context(), account)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": bal})
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Helpers ---

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Code  string `json:"code,omitempty"`
}

func callerOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.Identity(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing caller identity", Kind: "authorization"})
	}
	return id, ok
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: "validation"})
		return false
	}
	return true
}

func parseSide(s string) (model.Side, error) {
	side, err := model.ParseSide(s)
	if err != nil {
		return 0, market.ErrInvalidSide
	}
	return side, nil
}

// statusOf maps an operation error to its HTTP status and error kind.
func statusOf(err error) (int, string) {
	if kind, ok := market.KindOf(err); ok {
		switch kind {
		case market.KindValidation:
			return http.StatusBadRequest, string(kind)
		case market.KindState:
			return http.StatusConflict, string(kind)
		case market.KindAuthorization:
			return http.StatusForbidden, string(kind)
		case market.KindArithmetic:
			return http.StatusUnprocessableEntity, string(kind)
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "exists"
	case errors.Is(err, store.ErrInsufficientBalance), errors.Is(err, store.ErrBalanceOverflow):
		return http.StatusConflict, "balance"
	case errors.Is(err, store.ErrLockHeld):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, ErrFaucetDisabled):
		return http.StatusForbidden, "disabled"
	case errors.Is(err, ErrInvalidRange):
		return http.StatusBadRequest, "validation"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError writes a JSON error response. Internal errors are logged and
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind, Code: market.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
