package oracle

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// StandardWindows are the lookback windows the scheduled job maintains.
var StandardWindows = []int{30, 60, 90, 180, 360}

// VolatilityResult pairs an annualized sigma with the sample count behind it.
type VolatilityResult struct {
	Volatility float64
	DataPoints int
}

// VolatilityEngine computes annualized sigma from daily log returns.
type VolatilityEngine struct {
	repo *Repository
	log  zerolog.Logger
}

// NewVolatilityEngine creates the volatility engine.
func NewVolatilityEngine(repo *Repository, log zerolog.Logger) *VolatilityEngine {
	return &VolatilityEngine{repo: repo, log: log.With().Str("component", "volatility-engine").Logger()}
}

// Compute calculates annualized sigma over daily closes in [now-days, now].
// Returns nil when fewer than two log returns are available.
func (e *VolatilityEngine) Compute(days int, now time.Time) (*VolatilityResult, error) {
	closes, err := e.repo.DailyCloses(now.AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	returns := logReturns(closes)
	if len(returns) < 2 {
		return nil, nil
	}
	if float64(len(returns)) < 0.8*float64(days) {
		e.log.Warn().
			Int("days", days).
			Int("returns", len(returns)).
			Msg("Sparse daily history for volatility window")
	}

	sigmaDaily := stat.StdDev(returns, nil)
	return &VolatilityResult{
		Volatility: sigmaDaily * math.Sqrt(365),
		DataPoints: len(returns),
	}, nil
}

// RunScheduled computes sigma for every standard window and persists the rows
// with a shared timestamp.
func (e *VolatilityEngine) RunScheduled(now time.Time) error {
	for _, days := range StandardWindows {
		result, err := e.Compute(days, now)
		if err != nil {
			return err
		}
		if result == nil {
			e.log.Warn().Int("days", days).Msg("Not enough history for volatility window")
			continue
		}

		err = e.repo.InsertVolatility(Volatility{
			PeriodDays: days,
			Timestamp:  now,
			Value:      result.Volatility,
			DataPoints: result.DataPoints,
		})
		if err != nil {
			return err
		}
		e.log.Debug().Int("days", days).Float64("sigma", result.Volatility).Msg("Volatility computed")
	}
	return nil
}

// ForDuration returns the stored sigma whose window is closest to the
// requested duration, walking outward to the next-closest window when a row
// is missing. Returns nil when no window has data.
func (e *VolatilityEngine) ForDuration(days int) (*Volatility, error) {
	windows := make([]int, len(StandardWindows))
	copy(windows, StandardWindows)
	sort.Slice(windows, func(i, j int) bool {
		di := abs(windows[i] - days)
		dj := abs(windows[j] - days)
		if di == dj {
			return windows[i] < windows[j]
		}
		return di < dj
	})

	for _, window := range windows {
		vol, err := e.repo.LatestVolatility(window)
		if err != nil {
			return nil, err
		}
		if vol != nil {
			return vol, nil
		}
	}
	return nil, nil
}

func logReturns(closes []DailyPrice) []float64 {
	var returns []float64
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1].Close, closes[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	return returns
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
