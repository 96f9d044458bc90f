package quotes

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/oracle"
)

// BuyerQuoteRequest asks for the premium to protect an amount of BTC at a
// strike expressed as a percentage of spot.
type BuyerQuoteRequest struct {
	ProtectedValuePct    float64 `json:"protected_value_pct"`
	ProtectionAmountBTC  float64 `json:"protection_amount_btc"`
	ExpirationDays       int     `json:"expiration_days"`
	PolicyType           string  `json:"policy_type"`
	CurrentPriceOverride float64 `json:"current_price_override,omitempty"`
	IncludeScenarios     bool    `json:"include_scenarios,omitempty"`
}

// ScenarioPoint is one simulated expiry outcome.
type ScenarioPoint struct {
	Price           float64 `json:"price"`
	ProtectionValue float64 `json:"protection_value"`
	NetValue        float64 `json:"net_value"`
}

// BuyerQuote is the premium quote response.
type BuyerQuote struct {
	Spot             float64         `json:"spot"`
	Strike           float64         `json:"strike"`
	Volatility       float64         `json:"volatility"`
	Premium          float64         `json:"premium"`
	IntrinsicValue   float64         `json:"intrinsic_value"`
	TimeValue        float64         `json:"time_value"`
	VolatilityImpact float64         `json:"volatility_impact"`
	BreakEven        float64         `json:"break_even"`
	PremiumPct       float64         `json:"premium_pct"`
	AnnualizedPct    float64         `json:"annualized_pct"`
	Scenarios        []ScenarioPoint `json:"scenarios,omitempty"`
}

// ProviderQuoteRequest asks for the projected yield on committed capital.
type ProviderQuoteRequest struct {
	CommitmentUSD float64     `json:"commitment_usd"`
	Tier          domain.Tier `json:"tier"`
	PeriodDays    int         `json:"period_days"`
}

// ProviderQuote is the yield quote response.
type ProviderQuote struct {
	AnnualizedYieldRate float64 `json:"annualized_yield_rate"`
	EstimatedYield      float64 `json:"estimated_yield"`
	BreakEvenPrice      float64 `json:"break_even_price"`
	RiskLevel           int     `json:"risk_level"`
	Volatility          float64 `json:"volatility"`
}

// VolatilitySource supplies sigma for a duration. Implemented by
// *oracle.VolatilityEngine.
type VolatilitySource interface {
	ForDuration(days int) (*oracle.Volatility, error)
}

// SpotSource supplies the latest aggregated price. Implemented by
// *oracle.Repository.
type SpotSource interface {
	LatestAggregate() (*oracle.AggregatedPrice, error)
}

// Engine produces buyer premium and provider yield quotes.
type Engine struct {
	spot     SpotSource
	vol      VolatilitySource
	params   *RiskParamsRepository
	defaults config.QuoteDefaults
	log      zerolog.Logger
}

// NewEngine creates the quote engine.
func NewEngine(spot SpotSource, vol VolatilitySource, params *RiskParamsRepository, defaults config.QuoteDefaults, log zerolog.Logger) *Engine {
	return &Engine{
		spot:     spot,
		vol:      vol,
		params:   params,
		defaults: defaults,
		log:      log.With().Str("component", "quote-engine").Logger(),
	}
}

// BuyerPremiumQuote prices protection for a buyer.
func (e *Engine) BuyerPremiumQuote(req BuyerQuoteRequest) (*BuyerQuote, error) {
	if req.PolicyType != "" && req.PolicyType != string(domain.PolicyTypePUT) {
		return nil, domain.NewError(domain.KindValidation, "only PUT policies are supported")
	}
	if req.ProtectedValuePct <= 0 || req.ProtectionAmountBTC <= 0 || req.ExpirationDays <= 0 {
		return nil, domain.NewError(domain.KindValidation, "strike percentage, amount, and duration must be positive")
	}

	spot, err := e.resolveSpot(req.CurrentPriceOverride)
	if err != nil {
		return nil, err
	}

	sigma, err := e.resolveSigma(req.ExpirationDays)
	if err != nil {
		return nil, err
	}

	params, err := e.params.Active("BTC", string(domain.PolicyTypePUT))
	if err != nil {
		return nil, err
	}

	strike := spot * req.ProtectedValuePct / 100
	years := float64(req.ExpirationDays) / 365
	amount := req.ProtectionAmountBTC

	perUnit := PutPremium(spot, strike, sigma, years, e.defaults.RiskFreeRate)

	// Market adjustment on top of the model price
	adjusted := perUnit *
		(1 + params.BaseRate) *
		params.VolatilityMultiplier *
		(1 + years*params.DurationFactor)

	// A premium of zero would create a free policy; reject instead
	premium := adjusted * amount
	if math.IsNaN(premium) || math.IsInf(premium, 0) || premium <= 0 {
		return nil, domain.NewError(domain.KindValidation, "requested protection prices below the minimum premium")
	}

	intrinsic := math.Max(0, strike-spot) * amount
	remainder := math.Max(0, premium-intrinsic)

	quote := &BuyerQuote{
		Spot:             spot,
		Strike:           strike,
		Volatility:       sigma,
		Premium:          premium,
		IntrinsicValue:   intrinsic,
		TimeValue:        remainder * 0.3,
		VolatilityImpact: remainder * 0.7,
		BreakEven:        strike - premium/amount,
		PremiumPct:       premium / (strike * amount),
		AnnualizedPct:    premium / (strike * amount) * 365 / float64(req.ExpirationDays),
	}

	if req.IncludeScenarios {
		quote.Scenarios = scenarios(spot, strike, amount, premium, e.defaults.ScenarioPoints)
	}
	return quote, nil
}

// scenarios simulates expiry prices on a symmetric grid around spot.
func scenarios(spot, strike, amount, premium float64, points int) []ScenarioPoint {
	if points <= 0 {
		points = 21
	}
	half := (points - 1) / 2

	out := make([]ScenarioPoint, 0, points)
	for i := -half; i <= half; i++ {
		price := spot * (1 + float64(i)/float64(2*half))
		protection := math.Max(0, (strike-price)*amount)
		out = append(out, ScenarioPoint{
			Price:           price,
			ProtectionValue: protection,
			NetValue:        protection - premium,
		})
	}
	return out
}

// ProviderYieldQuote projects the yield on a capital commitment.
func (e *Engine) ProviderYieldQuote(req ProviderQuoteRequest) (*ProviderQuote, error) {
	if !req.Tier.Valid() {
		return nil, domain.NewError(domain.KindValidation, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	if req.CommitmentUSD <= 0 || req.PeriodDays <= 0 {
		return nil, domain.NewError(domain.KindValidation, "commitment and period must be positive")
	}

	sigma, err := e.resolveSigma(req.PeriodDays)
	if err != nil {
		return nil, err
	}

	params, err := e.params.Active("BTC", string(domain.PolicyTypePUT))
	if err != nil {
		return nil, err
	}
	tierMult := params.TierMultipliers[req.Tier]

	baseAnnualRate := sigma * 0.8
	durationFactor := 1 - math.Exp(-float64(req.PeriodDays)/90)
	marketFactor := 1 + (sigma-0.2)*0.5

	annualized := baseAnnualRate * tierMult * durationFactor * marketFactor
	estimated := annualized * float64(req.PeriodDays) / 365 * req.CommitmentUSD

	quote := &ProviderQuote{
		AnnualizedYieldRate: annualized,
		EstimatedYield:      estimated,
		Volatility:          sigma,
		RiskLevel:           riskLevel(req.Tier, req.PeriodDays, sigma),
	}

	if spot, err := e.resolveSpot(0); err == nil {
		breakEven := spot * (1 - estimated/req.CommitmentUSD)
		quote.BreakEvenPrice = math.Max(0, breakEven)
	}
	return quote, nil
}

// riskLevel buckets tier, duration, and sigma into a 1..10 score.
func riskLevel(tier domain.Tier, periodDays int, sigma float64) int {
	level := 1
	switch tier {
	case domain.TierBalanced:
		level = 3
	case domain.TierAggressive:
		level = 5
	}

	switch {
	case periodDays > 90:
		level += 2
	case periodDays > 30:
		level++
	}

	switch {
	case sigma >= 0.8:
		level += 3
	case sigma >= 0.4:
		level++
	}

	if level > 10 {
		level = 10
	}
	return level
}

func (e *Engine) resolveSpot(override float64) (float64, error) {
	if override > 0 {
		return override, nil
	}
	agg, err := e.spot.LatestAggregate()
	if err != nil {
		return 0, err
	}
	if agg == nil {
		return 0, domain.ErrNoPriceData
	}
	return agg.Price, nil
}

func (e *Engine) resolveSigma(days int) (float64, error) {
	vol, err := e.vol.ForDuration(days)
	if err != nil {
		return 0, err
	}
	if vol == nil {
		return 0, domain.ErrNoPriceData
	}
	return vol.Value, nil
}
