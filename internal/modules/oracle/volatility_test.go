package oracle

import (
	"fmt"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func seedDailyCloses(t *testing.T, repo *Repository, now time.Time, closes []float64) {
	for i, close := range closes {
		date := now.AddDate(0, 0, -(len(closes) - 1 - i)).UTC().Format("2006-01-02")
		require.NoError(t, repo.UpsertDaily(DailyPrice{Date: date, Close: close}))
	}
}

func TestComputeVolatility(t *testing.T) {
	repo := NewRepository(setupOracleDB(t))
	engine := NewVolatilityEngine(repo, zerolog.Nop())

	now := time.Now()
	closes := []float64{50000, 50500, 49800, 51000, 50200, 50900, 49700}
	seedDailyCloses(t, repo, now, closes)

	result, err := engine.Compute(7, now)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 6, result.DataPoints)

	var returns []float64
	for i := 1; i < len(closes); i++ {
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	want := stat.StdDev(returns, nil) * math.Sqrt(365)
	assert.InDelta(t, want, result.Volatility, 1e-12)
}

func TestComputeVolatilityNeedsTwoReturns(t *testing.T) {
	repo := NewRepository(setupOracleDB(t))
	engine := NewVolatilityEngine(repo, zerolog.Nop())

	now := time.Now()
	seedDailyCloses(t, repo, now, []float64{50000, 50500})

	result, err := engine.Compute(30, now)
	require.NoError(t, err)
	assert.Nil(t, result, "one return is not enough")
}

func TestRunScheduledWritesAllWindows(t *testing.T) {
	repo := NewRepository(setupOracleDB(t))
	engine := NewVolatilityEngine(repo, zerolog.Nop())

	now := time.Now()
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 50000 + 100*math.Sin(float64(i))
	}
	seedDailyCloses(t, repo, now, closes)

	require.NoError(t, engine.RunScheduled(now))

	// Every window has enough data (the query window just reaches further back)
	for _, days := range StandardWindows {
		vol, err := repo.LatestVolatility(days)
		require.NoError(t, err)
		require.NotNil(t, vol, fmt.Sprintf("window %d", days))
		assert.Equal(t, now.UnixMilli(), vol.Timestamp.UnixMilli(), "shared timestamp across windows")
		assert.Greater(t, vol.Value, 0.0)
	}
}

func TestForDurationClosestWindow(t *testing.T) {
	repo := NewRepository(setupOracleDB(t))
	engine := NewVolatilityEngine(repo, zerolog.Nop())

	now := time.Now()
	require.NoError(t, repo.InsertVolatility(Volatility{PeriodDays: 30, Timestamp: now, Value: 0.6, DataPoints: 29}))
	require.NoError(t, repo.InsertVolatility(Volatility{PeriodDays: 90, Timestamp: now, Value: 0.5, DataPoints: 85}))

	// 40 days is closest to the 30-day window
	vol, err := engine.ForDuration(40)
	require.NoError(t, err)
	require.NotNil(t, vol)
	assert.Equal(t, 30, vol.PeriodDays)

	// 75 days is closest to 60, which has no row; next-closest 90 does
	vol, err = engine.ForDuration(75)
	require.NoError(t, err)
	require.NotNil(t, vol)
	assert.Equal(t, 90, vol.PeriodDays)
}

func TestForDurationNoData(t *testing.T) {
	repo := NewRepository(setupOracleDB(t))
	engine := NewVolatilityEngine(repo, zerolog.Nop())

	vol, err := engine.ForDuration(30)
	require.NoError(t, err)
	assert.Nil(t, vol)
}
