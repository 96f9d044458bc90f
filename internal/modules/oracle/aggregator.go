package oracle

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const (
	aggregationWindow = 15 * time.Minute
	iqrMinSources     = 4
	iqrFence          = 1.5
)

// Aggregator folds recent ticks into one outlier-filtered, weighted price.
// Runs are serial; concurrent readers see the latest persisted row.
type Aggregator struct {
	repo *Repository
	log  zerolog.Logger
}

// NewAggregator creates the price aggregator.
func NewAggregator(repo *Repository, log zerolog.Logger) *Aggregator {
	return &Aggregator{repo: repo, log: log.With().Str("component", "aggregator").Logger()}
}

// Run performs one aggregation pass. Returns nil, nil when no aggregate can
// be produced (no recent ticks or zero total weight).
func (a *Aggregator) Run(now time.Time) (*AggregatedPrice, error) {
	ticks, err := a.repo.LatestTicksPerSource(now.Add(-aggregationWindow))
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		a.log.Warn().Msg("No recent ticks, skipping aggregation")
		return nil, nil
	}

	survivors := filterOutliers(ticks)
	if len(survivors) == 0 {
		a.log.Warn().Int("ticks", len(ticks)).Msg("All ticks filtered as outliers")
		return nil, nil
	}

	var weightedSum, totalWeight float64
	for _, tick := range survivors {
		weightedSum += tick.PriceUSD * tick.Weight
		totalWeight += tick.Weight
	}
	if totalWeight == 0 {
		a.log.Warn().Msg("Zero total weight, skipping aggregation")
		return nil, nil
	}

	agg := AggregatedPrice{
		Price:       weightedSum / totalWeight,
		Timestamp:   now,
		SourceCount: len(survivors),
	}

	// Volatility snapshot: most recent 30-day sigma
	vol, err := a.repo.LatestVolatility(30)
	if err != nil {
		return nil, err
	}
	if vol != nil {
		agg.Volatility = vol.Value
	} else {
		a.log.Warn().Msg("No volatility data yet, snapshot defaults to 0")
	}

	low, high, err := a.repo.Range24h(now)
	if err != nil {
		return nil, err
	}
	agg.Range24hLow, agg.Range24hHigh = low, high

	if err := a.repo.InsertAggregate(agg); err != nil {
		return nil, err
	}
	PipelineMetrics().Aggregations.Inc()

	a.log.Info().
		Float64("price", agg.Price).
		Int("sources", agg.SourceCount).
		Int("dropped", len(ticks)-len(survivors)).
		Msg("Aggregated price")

	return &agg, nil
}

// filterOutliers drops ticks outside the IQR fences. With fewer than four
// sources the quartiles are meaningless, so every tick survives.
func filterOutliers(ticks []PriceTick) []PriceTick {
	if len(ticks) < iqrMinSources {
		return ticks
	}

	sorted := make([]PriceTick, len(ticks))
	copy(sorted, ticks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PriceUSD < sorted[j].PriceUSD })

	n := len(sorted)
	q1 := sorted[n/4].PriceUSD
	q3 := sorted[3*n/4].PriceUSD
	iqr := q3 - q1
	lo := q1 - iqrFence*iqr
	hi := q3 + iqrFence*iqr

	survivors := make([]PriceTick, 0, n)
	for _, tick := range sorted {
		if tick.PriceUSD >= lo && tick.PriceUSD <= hi {
			survivors = append(survivors, tick)
		}
	}
	return survivors
}
