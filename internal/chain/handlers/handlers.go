// Package handlers provides HTTP handlers for transaction status lookups.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/chain"
)

// Handler handles transaction HTTP requests
type Handler struct {
	repo *chain.TxRepository
	log  zerolog.Logger
}

// NewHandler creates a new transaction handler
func NewHandler(repo *chain.TxRepository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "transactions").Logger(),
	}
}

// RegisterRoutes registers the transaction routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/transactions/{id}", h.HandleGet)
}

// HandleGet handles GET /api/transactions/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.repo.Get(id)
	if err != nil {
		h.log.Error().Err(err).Str("tx_id", id).Msg("Transaction lookup failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if tx == nil {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}

	data := map[string]interface{}{
		"id":          tx.ID,
		"kind":        tx.Kind,
		"status":      tx.Status,
		"retry_count": tx.RetryCount,
	}
	if tx.ChainTxID != "" {
		data["chain_tx_id"] = tx.ChainTxID
	}
	if tx.ErrorDetails != "" {
		data["error"] = tx.ErrorDetails
	}
	if tx.BlockHeight > 0 {
		data["block_height"] = tx.BlockHeight
	}

	writeJSON(w, data)
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
