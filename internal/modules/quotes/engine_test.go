package quotes

import (
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bithedge/backend/internal/config"
	"github.com/bithedge/backend/internal/domain"
	"github.com/bithedge/backend/internal/modules/oracle"
)

const testRiskParamsSchema = `
CREATE TABLE risk_parameters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL DEFAULT 'BTC',
    policy_type TEXT NOT NULL DEFAULT 'PUT',
    base_rate REAL NOT NULL DEFAULT 0.1,
    volatility_multiplier REAL NOT NULL DEFAULT 1.0,
    duration_factor REAL NOT NULL DEFAULT 0.5,
    coverage_factor REAL NOT NULL DEFAULT 1.0,
    tier_multiplier_conservative REAL NOT NULL DEFAULT 0.7,
    tier_multiplier_balanced REAL NOT NULL DEFAULT 1.0,
    tier_multiplier_aggressive REAL NOT NULL DEFAULT 1.3,
    active INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL
);
`

type fakeSpot struct {
	agg *oracle.AggregatedPrice
}

func (f *fakeSpot) LatestAggregate() (*oracle.AggregatedPrice, error) {
	return f.agg, nil
}

type fakeVol struct {
	vol *oracle.Volatility
}

func (f *fakeVol) ForDuration(days int) (*oracle.Volatility, error) {
	return f.vol, nil
}

func setupParamsRepo(t *testing.T) *RiskParamsRepository {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testRiskParamsSchema)
	require.NoError(t, err)
	return NewRiskParamsRepository(db)
}

func testDefaults() config.QuoteDefaults {
	return config.QuoteDefaults{
		RiskFreeRate:   0.02,
		PeriodDaysSet:  []int{7, 14, 30, 60, 90},
		ScenarioPoints: 21,
	}
}

func newTestEngine(t *testing.T, spot float64, sigma float64) *Engine {
	return NewEngine(
		&fakeSpot{agg: &oracle.AggregatedPrice{Price: spot, Timestamp: time.Now(), SourceCount: 4}},
		&fakeVol{vol: &oracle.Volatility{PeriodDays: 30, Value: sigma, DataPoints: 29}},
		setupParamsRepo(t),
		testDefaults(),
		zerolog.Nop(),
	)
}

func TestPutPremiumReference(t *testing.T) {
	// S=50000, K=45000, sigma=0.6, T=30/365, r=0.02
	T := 30.0 / 365.0
	premium := PutPremium(50000, 45000, 0.6, T, 0.02)

	assert.Greater(t, premium, 0.0)
	assert.Less(t, premium, 45000.0)

	// OTM put: model value well below strike, above pure intrinsic (0)
	assert.Greater(t, premium, 100.0)
	assert.Less(t, premium, 5000.0)
}

func TestPutPremiumDegenerateSigma(t *testing.T) {
	T := 30.0 / 365.0

	// sigma*sqrt(T)=0 falls back to discounted intrinsic
	itm := PutPremium(40000, 45000, 0, T, 0.02)
	assert.InDelta(t, math.Exp(-0.02*T)*5000, itm, 1e-9)

	otm := PutPremium(50000, 45000, 0, T, 0.02)
	assert.Equal(t, 0.0, otm)
}

func TestPutPremiumGuardrails(t *testing.T) {
	assert.Equal(t, 0.0, PutPremium(0, 45000, 0.6, 0.1, 0.02))
	assert.Equal(t, 0.0, PutPremium(50000, 0, 0.6, 0.1, 0.02))
	assert.Equal(t, 0.0, PutPremium(50000, 45000, 0.6, 0, 0.02))
}

func TestBuyerPremiumQuote(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	quote, err := engine.BuyerPremiumQuote(BuyerQuoteRequest{
		ProtectedValuePct:   90,
		ProtectionAmountBTC: 0.5,
		ExpirationDays:      30,
		PolicyType:          "PUT",
	})
	require.NoError(t, err)

	assert.InDelta(t, 45000, quote.Strike, 1e-9)
	assert.Greater(t, quote.Premium, 0.0)
	assert.Less(t, quote.Premium, 45000*0.5)
	assert.Equal(t, 0.0, quote.IntrinsicValue, "strike below spot is out of the money")

	// Adjustment inflates the raw model price
	T := 30.0 / 365.0
	raw := PutPremium(50000, 45000, 0.6, T, 0.02) * 0.5
	assert.Greater(t, quote.Premium, raw)

	// Decomposition: remainder split 30/70
	remainder := quote.Premium - quote.IntrinsicValue
	assert.InDelta(t, remainder*0.3, quote.TimeValue, 1e-9)
	assert.InDelta(t, remainder*0.7, quote.VolatilityImpact, 1e-9)

	assert.InDelta(t, 45000-quote.Premium/0.5, quote.BreakEven, 1e-9)
	assert.InDelta(t, quote.PremiumPct*365/30, quote.AnnualizedPct, 1e-9)
	assert.Empty(t, quote.Scenarios)
}

func TestBuyerQuoteScenarios(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	quote, err := engine.BuyerPremiumQuote(BuyerQuoteRequest{
		ProtectedValuePct:   90,
		ProtectionAmountBTC: 1,
		ExpirationDays:      30,
		IncludeScenarios:    true,
	})
	require.NoError(t, err)
	require.Len(t, quote.Scenarios, 21)

	// Grid spans spot/2 .. spot*3/2
	assert.InDelta(t, 25000, quote.Scenarios[0].Price, 1e-6)
	assert.InDelta(t, 50000, quote.Scenarios[10].Price, 1e-6)
	assert.InDelta(t, 75000, quote.Scenarios[20].Price, 1e-6)

	// Deep drop pays out; above strike pays nothing
	assert.InDelta(t, 45000-25000, quote.Scenarios[0].ProtectionValue, 1e-6)
	assert.Equal(t, 0.0, quote.Scenarios[20].ProtectionValue)
	assert.InDelta(t, quote.Scenarios[0].ProtectionValue-quote.Premium, quote.Scenarios[0].NetValue, 1e-9)
}

func TestBuyerQuoteStrikeEqualsSpot(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	quote, err := engine.BuyerPremiumQuote(BuyerQuoteRequest{
		ProtectedValuePct:   100,
		ProtectionAmountBTC: 1,
		ExpirationDays:      30,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, quote.IntrinsicValue)
	assert.Greater(t, quote.Premium, 0.0, "time value keeps an at-the-money premium positive")
}

func TestBuyerQuoteRejectsFreePolicy(t *testing.T) {
	// Zero sigma on a deep OTM strike prices the put at exactly zero
	engine := newTestEngine(t, 50000, 0)

	_, err := engine.BuyerPremiumQuote(BuyerQuoteRequest{
		ProtectedValuePct:   50,
		ProtectionAmountBTC: 1,
		ExpirationDays:      30,
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestBuyerQuoteValidation(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	tests := []struct {
		name string
		req  BuyerQuoteRequest
	}{
		{"call unsupported", BuyerQuoteRequest{ProtectedValuePct: 90, ProtectionAmountBTC: 1, ExpirationDays: 30, PolicyType: "CALL"}},
		{"zero amount", BuyerQuoteRequest{ProtectedValuePct: 90, ExpirationDays: 30}},
		{"zero strike pct", BuyerQuoteRequest{ProtectionAmountBTC: 1, ExpirationDays: 30}},
		{"zero days", BuyerQuoteRequest{ProtectedValuePct: 90, ProtectionAmountBTC: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.BuyerPremiumQuote(tt.req)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindValidation))
		})
	}
}

func TestProviderYieldQuote(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	quote, err := engine.ProviderYieldQuote(ProviderQuoteRequest{
		CommitmentUSD: 10000,
		Tier:          domain.TierBalanced,
		PeriodDays:    30,
	})
	require.NoError(t, err)

	baseAnnualRate := 0.6 * 0.8
	durationFactor := 1 - math.Exp(-30.0/90.0)
	marketFactor := 1 + (0.6-0.2)*0.5
	wantRate := baseAnnualRate * 1.0 * durationFactor * marketFactor

	assert.InDelta(t, wantRate, quote.AnnualizedYieldRate, 1e-12)
	assert.InDelta(t, wantRate*30/365*10000, quote.EstimatedYield, 1e-9)
	assert.Greater(t, quote.BreakEvenPrice, 0.0)
	assert.Less(t, quote.BreakEvenPrice, 50000.0)
	assert.GreaterOrEqual(t, quote.RiskLevel, 1)
	assert.LessOrEqual(t, quote.RiskLevel, 10)
}

func TestProviderYieldTierOrdering(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	var rates []float64
	for _, tier := range []domain.Tier{domain.TierConservative, domain.TierBalanced, domain.TierAggressive} {
		quote, err := engine.ProviderYieldQuote(ProviderQuoteRequest{
			CommitmentUSD: 10000, Tier: tier, PeriodDays: 30,
		})
		require.NoError(t, err)
		rates = append(rates, quote.AnnualizedYieldRate)
	}

	assert.Less(t, rates[0], rates[1], "conservative yields less than balanced")
	assert.Less(t, rates[1], rates[2], "balanced yields less than aggressive")
}

func TestProviderYieldValidation(t *testing.T) {
	engine := newTestEngine(t, 50000, 0.6)

	_, err := engine.ProviderYieldQuote(ProviderQuoteRequest{CommitmentUSD: 10000, Tier: "degen", PeriodDays: 30})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = engine.ProviderYieldQuote(ProviderQuoteRequest{Tier: domain.TierBalanced, PeriodDays: 30})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestRiskParamsOverride(t *testing.T) {
	repo := setupParamsRepo(t)
	engine := NewEngine(
		&fakeSpot{agg: &oracle.AggregatedPrice{Price: 50000, Timestamp: time.Now()}},
		&fakeVol{vol: &oracle.Volatility{PeriodDays: 30, Value: 0.6}},
		repo,
		testDefaults(),
		zerolog.Nop(),
	)

	base, err := engine.BuyerPremiumQuote(BuyerQuoteRequest{ProtectedValuePct: 90, ProtectionAmountBTC: 1, ExpirationDays: 30})
	require.NoError(t, err)

	params := DefaultRiskParameters()
	params.BaseRate = 0.5
	require.NoError(t, repo.Upsert(params))

	bumped, err := engine.BuyerPremiumQuote(BuyerQuoteRequest{ProtectedValuePct: 90, ProtectionAmountBTC: 1, ExpirationDays: 30})
	require.NoError(t, err)
	assert.Greater(t, bumped.Premium, base.Premium, "active risk parameters override the defaults")
}
