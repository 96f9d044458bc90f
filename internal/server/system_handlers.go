package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bithedge/backend/internal/database"
)

// SystemHandlers serves the system-wide monitoring endpoints
type SystemHandlers struct {
	log      zerolog.Logger
	dataDir  string
	dbs      []*database.DB
	oracleDB *database.DB
	policyDB *database.DB
	poolDB   *database.DB
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(log zerolog.Logger, dataDir string, oracleDB, policyDB, poolDB, chainDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:      log.With().Str("component", "system_handlers").Logger(),
		dataDir:  dataDir,
		dbs:      []*database.DB{oracleDB, policyDB, poolDB, chainDB},
		oracleDB: oracleDB,
		policyDB: policyDB,
		poolDB:   poolDB,
	}
}

// SystemHealthResponse represents the system health response
type SystemHealthResponse struct {
	Status     string            `json:"status"` // "ok" or "degraded"
	CPUPercent float64           `json:"cpu_percent"`
	RAMPercent float64           `json:"ram_percent"`
	DiskFreeGB float64           `json:"disk_free_gb"`
	Databases  map[string]string `json:"databases"`
	CheckedAt  string            `json:"checked_at"`
}

// SystemStatusResponse represents the system status response
type SystemStatusResponse struct {
	ActivePolicies  int    `json:"active_policies"`
	PendingPolicies int    `json:"pending_policies"`
	ProviderCount   int    `json:"provider_count"`
	LastAggregate   string `json:"last_aggregate,omitempty"`
}

// HandleSystemHealth returns process and database health
// GET /api/system/health
func (h *SystemHandlers) HandleSystemHealth(w http.ResponseWriter, r *http.Request) {
	response := SystemHealthResponse{
		Status:    "ok",
		Databases: make(map[string]string, len(h.dbs)),
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}

	// Average CPU over 100ms so the handler stays fast
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		response.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		response.RAMPercent = memStat.UsedPercent
	}

	diskStat, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get disk usage")
	} else {
		response.DiskFreeGB = float64(diskStat.Free) / 1e9
	}

	for _, db := range h.dbs {
		if err := db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			response.Databases[db.Name()] = "failed"
			response.Status = "degraded"
		} else {
			response.Databases[db.Name()] = "ok"
		}
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// HandleSystemStatus returns a summary of the protection marketplace state
// GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	response := SystemStatusResponse{}

	err := h.policyDB.Conn().QueryRow(
		`SELECT COUNT(*) FROM policies WHERE status = 'Active'`).Scan(&response.ActivePolicies)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to count active policies")
	}

	err = h.policyDB.Conn().QueryRow(
		`SELECT COUNT(*) FROM policies WHERE status = 'PendingTx'`).Scan(&response.PendingPolicies)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to count pending policies")
	}

	err = h.poolDB.Conn().QueryRow(
		`SELECT COUNT(DISTINCT provider) FROM provider_tier_balances WHERE deposited > 0`).Scan(&response.ProviderCount)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to count providers")
	}

	var lastAggregate sql.NullInt64
	err = h.oracleDB.Conn().QueryRow(
		`SELECT MAX(timestamp) FROM aggregated_prices`).Scan(&lastAggregate)
	if err != nil && err != sql.ErrNoRows {
		h.log.Error().Err(err).Msg("Failed to query last aggregate")
	}
	if lastAggregate.Valid {
		response.LastAggregate = time.UnixMilli(lastAggregate.Int64).UTC().Format(time.RFC3339)
	}

	h.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
