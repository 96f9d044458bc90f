package quotes

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bithedge/backend/internal/domain"
)

// RiskParameters tune the model premium into a market premium. One active
// row per (asset, policy type); absent rows fall back to defaults.
type RiskParameters struct {
	Asset                string
	PolicyType           string
	BaseRate             float64
	VolatilityMultiplier float64
	DurationFactor       float64
	CoverageFactor       float64
	TierMultipliers      map[domain.Tier]float64
}

// DefaultRiskParameters returns the fallback parameter set.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		Asset:                "BTC",
		PolicyType:           string(domain.PolicyTypePUT),
		BaseRate:             0.1,
		VolatilityMultiplier: 1.0,
		DurationFactor:       0.5,
		CoverageFactor:       1.0,
		TierMultipliers: map[domain.Tier]float64{
			domain.TierConservative: 0.7,
			domain.TierBalanced:     1.0,
			domain.TierAggressive:   1.3,
		},
	}
}

// RiskParamsRepository reads and writes risk parameters in pool.db.
type RiskParamsRepository struct {
	db *sql.DB
}

// NewRiskParamsRepository creates a risk parameters repository.
func NewRiskParamsRepository(db *sql.DB) *RiskParamsRepository {
	return &RiskParamsRepository{db: db}
}

// Active returns the active parameters for (asset, policyType), or the
// defaults when no active row exists.
func (r *RiskParamsRepository) Active(asset, policyType string) (RiskParameters, error) {
	row := r.db.QueryRow(`
		SELECT asset, policy_type, base_rate, volatility_multiplier, duration_factor, coverage_factor,
		       tier_multiplier_conservative, tier_multiplier_balanced, tier_multiplier_aggressive
		FROM risk_parameters
		WHERE asset = ? AND policy_type = ? AND active = 1
		ORDER BY updated_at DESC LIMIT 1`, asset, policyType)

	var p RiskParameters
	var cons, bal, agg float64
	err := row.Scan(&p.Asset, &p.PolicyType, &p.BaseRate, &p.VolatilityMultiplier,
		&p.DurationFactor, &p.CoverageFactor, &cons, &bal, &agg)
	if err == sql.ErrNoRows {
		return DefaultRiskParameters(), nil
	}
	if err != nil {
		return RiskParameters{}, fmt.Errorf("failed to read risk parameters: %w", err)
	}

	p.TierMultipliers = map[domain.Tier]float64{
		domain.TierConservative: cons,
		domain.TierBalanced:     bal,
		domain.TierAggressive:   agg,
	}
	return p, nil
}

// Upsert deactivates the previous parameter set and inserts the new one.
func (r *RiskParamsRepository) Upsert(p RiskParameters) error {
	now := time.Now().UnixMilli()

	_, err := r.db.Exec(`UPDATE risk_parameters SET active = 0 WHERE asset = ? AND policy_type = ?`,
		p.Asset, p.PolicyType)
	if err != nil {
		return fmt.Errorf("failed to deactivate risk parameters: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO risk_parameters (asset, policy_type, base_rate, volatility_multiplier, duration_factor,
		    coverage_factor, tier_multiplier_conservative, tier_multiplier_balanced, tier_multiplier_aggressive,
		    active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		p.Asset, p.PolicyType, p.BaseRate, p.VolatilityMultiplier, p.DurationFactor, p.CoverageFactor,
		p.TierMultipliers[domain.TierConservative],
		p.TierMultipliers[domain.TierBalanced],
		p.TierMultipliers[domain.TierAggressive],
		now)
	if err != nil {
		return fmt.Errorf("failed to insert risk parameters: %w", err)
	}
	return nil
}
