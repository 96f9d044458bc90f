// Package handlers provides HTTP handlers for policy lifecycle requests.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/policies"
)

// Handler handles policy HTTP requests
type Handler struct {
	orchestrator *policies.Orchestrator
	log          zerolog.Logger
}

// NewHandler creates a new policy handler
func NewHandler(orchestrator *policies.Orchestrator, log zerolog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		log:          log.With().Str("handler", "policies").Logger(),
	}
}

// RegisterRoutes registers the policy routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/policies", h.HandleCreate)
	r.Get("/api/policies/{id}", h.HandleGet)
}

// HandleCreate handles POST /api/policies
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req policies.CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.orchestrator.CreatePolicy(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, result)
}

// HandleGet handles GET /api/policies/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	policy, err := h.orchestrator.GetPolicy(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if policy == nil {
		http.Error(w, "Policy not found", http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":                policy.ID,
		"on_chain_id":       policy.OnChainID,
		"owner":             policy.Owner,
		"policy_type":       policy.PolicyType,
		"risk_tier":         policy.RiskTier,
		"strike_cents":      policy.StrikeCents,
		"amount_sats":       policy.AmountSats,
		"premium_micro":     policy.PremiumMicro,
		"creation_height":   policy.CreationHeight,
		"expiration_height": policy.ExpirationHeight,
		"status":            policy.Status,
		"collateral_token":  policy.CollateralToken,
		"settlement_token":  policy.SettlementToken,
		"settlement_amount": policy.SettlementAmount,
		"settlement_price":  policy.SettlementPrice,
		"created_at":        policy.CreatedAt.Format(time.RFC3339),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsKind(err, domain.KindValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		http.Error(w, "Insufficient pool liquidity for this protection amount", http.StatusConflict)
	case errors.Is(err, domain.ErrNoPriceData), errors.Is(err, domain.ErrStalePrice):
		http.Error(w, "Price data unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error().Err(err).Msg("Policy request failed")
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
