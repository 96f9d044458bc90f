// Package handlers provides HTTP handlers for the oracle price pipeline.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/modules/oracle"
)

// Handler handles oracle HTTP requests
type Handler struct {
	repo *oracle.Repository
	log  zerolog.Logger
}

// NewHandler creates a new oracle handler
func NewHandler(repo *oracle.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "oracle").Logger(),
	}
}

// RegisterRoutes registers the oracle routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/oracle/price", h.HandleLatestPrice)
	r.Get("/api/oracle/history", h.HandleHistory)
}

// HandleLatestPrice handles GET /api/oracle/price
func (h *Handler) HandleLatestPrice(w http.ResponseWriter, r *http.Request) {
	agg, err := h.repo.LatestAggregate()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read latest aggregate")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if agg == nil {
		http.Error(w, "No price data available", http.StatusNotFound)
		return
	}

	data := map[string]interface{}{
		"price":        agg.Price,
		"timestamp":    agg.Timestamp.UnixMilli(),
		"source_count": agg.SourceCount,
		"volatility":   agg.Volatility,
	}
	if agg.Range24hLow != nil && agg.Range24hHigh != nil {
		data["range_24h"] = map[string]float64{
			"low":  *agg.Range24hLow,
			"high": *agg.Range24hHigh,
		}
	}

	writeJSON(w, data)
}

// HandleHistory handles GET /api/oracle/history?days=30
// Returns daily closes with SMA/EMA/ROC overlays when enough history exists.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 360 {
			http.Error(w, "days must be an integer between 1 and 360", http.StatusBadRequest)
			return
		}
		days = parsed
	}

	prices, err := h.repo.DailyCloses(time.Now().AddDate(0, 0, -days))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read daily closes")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	closes := make([]float64, len(prices))
	rows := make([]map[string]interface{}, len(prices))
	for i, p := range prices {
		closes[i] = p.Close
		rows[i] = map[string]interface{}{
			"date":  p.Date,
			"open":  p.Open,
			"high":  p.High,
			"low":   p.Low,
			"close": p.Close,
		}
	}

	data := map[string]interface{}{
		"days":   days,
		"prices": rows,
	}
	if len(closes) >= 15 {
		data["indicators"] = map[string]interface{}{
			"sma_14": lastValid(talib.Sma(closes, 14)),
			"ema_14": lastValid(talib.Ema(closes, 14)),
			"roc_14": lastValid(talib.Roc(closes, 14)),
		}
	}

	writeJSON(w, data)
}

// lastValid returns the last non-NaN value of an indicator series, or nil.
func lastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] == series[i] {
			return &series[i]
		}
	}
	return nil
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
