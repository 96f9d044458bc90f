package oracle

import (
	"time"

	"github.com/rs/zerolog"
)

// Rollup folds the latest aggregate into today's daily OHLCV row. Scheduled
// once a day just after midnight UTC; the upsert keeps high/low monotone and
// close tracking the latest price, so extra runs within a day are safe.
type Rollup struct {
	repo *Repository
	log  zerolog.Logger
}

// NewRollup creates the daily rollup job.
func NewRollup(repo *Repository, log zerolog.Logger) *Rollup {
	return &Rollup{repo: repo, log: log.With().Str("component", "daily-rollup").Logger()}
}

// Run folds the most recent aggregate into today's row.
func (r *Rollup) Run(now time.Time) error {
	agg, err := r.repo.LatestAggregate()
	if err != nil {
		return err
	}
	if agg == nil {
		return nil
	}

	return r.repo.UpsertDaily(DailyPrice{
		Date:  now.UTC().Format("2006-01-02"),
		Open:  agg.Price,
		High:  agg.Price,
		Low:   agg.Price,
		Close: agg.Price,
	})
}
