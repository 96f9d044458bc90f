// Package handlers provides HTTP handlers for premium and yield quotes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/quotes"
)

// Handler handles quote HTTP requests
type Handler struct {
	engine *quotes.Engine
	log    zerolog.Logger
}

// NewHandler creates a new quotes handler
func NewHandler(engine *quotes.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "quotes").Logger(),
	}
}

// RegisterRoutes registers the quote routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/quotes/buyer", h.HandleBuyerQuote)
	r.Post("/api/quotes/provider", h.HandleProviderQuote)
}

// HandleBuyerQuote handles POST /api/quotes/buyer
func (h *Handler) HandleBuyerQuote(w http.ResponseWriter, r *http.Request) {
	var req quotes.BuyerQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	quote, err := h.engine.BuyerPremiumQuote(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, quote)
}

// HandleProviderQuote handles POST /api/quotes/provider
func (h *Handler) HandleProviderQuote(w http.ResponseWriter, r *http.Request) {
	var req quotes.ProviderQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	quote, err := h.engine.ProviderYieldQuote(req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, quote)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsKind(err, domain.KindValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNoPriceData), errors.Is(err, domain.ErrStalePrice):
		http.Error(w, "Price data unavailable", http.StatusServiceUnavailable)
	default:
		h.log.Error().Err(err).Msg("Quote failed")
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
