// Package handlers provides HTTP handlers for provider capital flows.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/pool"
)

// Handler handles pool HTTP requests
type Handler struct {
	service *pool.Service
	log     zerolog.Logger
}

// NewHandler creates a new pool handler
func NewHandler(service *pool.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "pool").Logger(),
	}
}

// RegisterRoutes registers the pool routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/pool/commit", h.HandleCommit)
	r.Post("/api/pool/withdraw", h.HandleWithdraw)
	r.Get("/api/pool/balances/{address}", h.HandleBalances)
}

// CapitalRequest is the shared request body for commit and withdraw.
type CapitalRequest struct {
	Provider string       `json:"provider"`
	Tier     domain.Tier  `json:"tier"`
	Token    domain.Token `json:"token"`
	Amount   int64        `json:"amount"`
}

// HandleCommit handles POST /api/pool/commit
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	var req CapitalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	txID, err := h.service.CommitCapital(r.Context(), req.Provider, req.Tier, req.Token, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"tx_id": txID})
}

// HandleWithdraw handles POST /api/pool/withdraw
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req CapitalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	txID, err := h.service.WithdrawCapital(r.Context(), req.Provider, req.Tier, req.Token, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"tx_id": txID})
}

// HandleBalances handles GET /api/pool/balances/{address}
func (h *Handler) HandleBalances(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	balances, err := h.service.ProviderBalances(address)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rows := make([]map[string]interface{}, 0, len(balances))
	for _, b := range balances {
		rows = append(rows, map[string]interface{}{
			"tier":           b.Tier,
			"token":          b.Token,
			"deposited":      b.Deposited,
			"locked":         b.Locked,
			"available":      b.Available(),
			"premium_earned": b.PremiumEarned,
			"deposit_count":  b.DepositCount,
		})
	}
	writeJSON(w, map[string]interface{}{"provider": address, "balances": rows})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsKind(err, domain.KindValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		http.Error(w, "Insufficient unlocked capital", http.StatusConflict)
	default:
		h.log.Error().Err(err).Msg("Pool request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
