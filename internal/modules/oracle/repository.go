// Package oracle implements the price pipeline: ingestion, aggregation,
// volatility, and threshold-gated on-chain submission.
package oracle

import (
	"database/sql"
	"fmt"
	"time"
)

// PriceTick is one observed sample from one source.
type PriceTick struct {
	Source    string
	PriceUSD  float64
	Weight    float64
	Timestamp time.Time
}

// AggregatedPrice is the result of one aggregation run.
type AggregatedPrice struct {
	Price        float64
	Timestamp    time.Time
	SourceCount  int
	Volatility   float64
	Range24hLow  *float64
	Range24hHigh *float64
}

// DailyPrice is one daily OHLCV row.
type DailyPrice struct {
	Date   string // YYYY-MM-DD (UTC)
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Volatility is one computed annualized sigma for a lookback window.
type Volatility struct {
	PeriodDays int
	Timestamp  time.Time
	Value      float64
	DataPoints int
}

// Submission records one on-chain price write.
type Submission struct {
	TxID           string
	SubmittedPrice uint64 // sats
	Reason         string
	SourceCount    int
	PercentChange  float64
	Status         string
	CreatedAt      time.Time
}

// Repository persists the oracle pipeline state in oracle.db.
type Repository struct {
	db *sql.DB
}

// NewRepository creates an oracle repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertTick appends one price tick.
func (r *Repository) InsertTick(tick PriceTick) error {
	_, err := r.db.Exec(`
		INSERT INTO price_ticks (source, price_usd, weight, timestamp)
		VALUES (?, ?, ?, ?)`,
		tick.Source, tick.PriceUSD, tick.Weight, tick.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert price tick from %s: %w", tick.Source, err)
	}
	return nil
}

// LatestTicksPerSource returns the most recent tick per source newer than the
// cutoff, using a correlated max-timestamp filter.
func (r *Repository) LatestTicksPerSource(since time.Time) ([]PriceTick, error) {
	rows, err := r.db.Query(`
		SELECT t.source, t.price_usd, t.weight, t.timestamp
		FROM price_ticks t
		WHERE t.timestamp > ?
		  AND t.id = (
		      SELECT id FROM price_ticks
		      WHERE source = t.source AND timestamp > ?
		      ORDER BY timestamp DESC, id DESC LIMIT 1
		  )
		ORDER BY t.price_usd ASC`,
		since.UnixMilli(), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query latest ticks: %w", err)
	}
	defer rows.Close()

	var ticks []PriceTick
	for rows.Next() {
		var tick PriceTick
		var ts int64
		if err := rows.Scan(&tick.Source, &tick.PriceUSD, &tick.Weight, &ts); err != nil {
			return nil, err
		}
		tick.Timestamp = time.UnixMilli(ts)
		ticks = append(ticks, tick)
	}
	return ticks, rows.Err()
}

// InsertAggregate appends one aggregation result.
func (r *Repository) InsertAggregate(agg AggregatedPrice) error {
	_, err := r.db.Exec(`
		INSERT INTO aggregated_prices (price, timestamp, source_count, volatility, range24h_low, range24h_high)
		VALUES (?, ?, ?, ?, ?, ?)`,
		agg.Price, agg.Timestamp.UnixMilli(), agg.SourceCount, agg.Volatility, agg.Range24hLow, agg.Range24hHigh)
	if err != nil {
		return fmt.Errorf("failed to insert aggregated price: %w", err)
	}
	return nil
}

// LatestAggregate returns the most recent aggregation result, or nil when the
// pipeline has never run.
func (r *Repository) LatestAggregate() (*AggregatedPrice, error) {
	row := r.db.QueryRow(`
		SELECT price, timestamp, source_count, volatility, range24h_low, range24h_high
		FROM aggregated_prices ORDER BY timestamp DESC, id DESC LIMIT 1`)

	var agg AggregatedPrice
	var ts int64
	err := row.Scan(&agg.Price, &ts, &agg.SourceCount, &agg.Volatility, &agg.Range24hLow, &agg.Range24hHigh)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest aggregate: %w", err)
	}
	agg.Timestamp = time.UnixMilli(ts)
	return &agg, nil
}

// UpsertDaily writes a daily OHLCV row. Today's row is overwritten as the day
// progresses; past days stay immutable because the rollup never revisits them.
func (r *Repository) UpsertDaily(p DailyPrice) error {
	_, err := r.db.Exec(`
		INSERT INTO historical_daily_prices (date, is_daily, open, high, low, close, volume, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, is_daily) DO UPDATE SET
		    high = MAX(high, excluded.high),
		    low = MIN(low, excluded.low),
		    close = excluded.close,
		    volume = excluded.volume,
		    updated_at = excluded.updated_at`,
		p.Date, p.Open, p.High, p.Low, p.Close, p.Volume, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert daily price for %s: %w", p.Date, err)
	}
	return nil
}

// DailyCloses returns daily closes within [since, now], oldest first.
func (r *Repository) DailyCloses(since time.Time) ([]DailyPrice, error) {
	rows, err := r.db.Query(`
		SELECT date, COALESCE(open, close), COALESCE(high, close), COALESCE(low, close), close, COALESCE(volume, 0)
		FROM historical_daily_prices
		WHERE is_daily = 1 AND date >= ?
		ORDER BY date ASC`,
		since.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily closes: %w", err)
	}
	defer rows.Close()

	var prices []DailyPrice
	for rows.Next() {
		var p DailyPrice
		if err := rows.Scan(&p.Date, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// Range24h returns the low and high across daily rows touching the last 24h.
func (r *Repository) Range24h(now time.Time) (low, high *float64, err error) {
	since := now.Add(-24 * time.Hour).UnixMilli()
	row := r.db.QueryRow(`
		SELECT MIN(COALESCE(low, close)), MAX(COALESCE(high, close))
		FROM historical_daily_prices
		WHERE is_daily = 1 AND updated_at >= ?`, since)

	var l, h sql.NullFloat64
	if err := row.Scan(&l, &h); err != nil {
		return nil, nil, fmt.Errorf("failed to compute 24h range: %w", err)
	}
	if l.Valid {
		low = &l.Float64
	}
	if h.Valid {
		high = &h.Float64
	}
	return low, high, nil
}

// InsertVolatility appends one volatility row.
func (r *Repository) InsertVolatility(v Volatility) error {
	_, err := r.db.Exec(`
		INSERT INTO historical_volatility (period_days, timestamp, volatility, data_points)
		VALUES (?, ?, ?, ?)`,
		v.PeriodDays, v.Timestamp.UnixMilli(), v.Value, v.DataPoints)
	if err != nil {
		return fmt.Errorf("failed to insert volatility for %d days: %w", v.PeriodDays, err)
	}
	return nil
}

// LatestVolatility returns the most recent volatility row for a window, or
// nil when none exists.
func (r *Repository) LatestVolatility(periodDays int) (*Volatility, error) {
	row := r.db.QueryRow(`
		SELECT period_days, timestamp, volatility, data_points
		FROM historical_volatility
		WHERE period_days = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`, periodDays)

	var v Volatility
	var ts int64
	err := row.Scan(&v.PeriodDays, &ts, &v.Value, &v.DataPoints)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read volatility for %d days: %w", periodDays, err)
	}
	v.Timestamp = time.UnixMilli(ts)
	return &v, nil
}

// RecordSubmission appends one on-chain submission record.
func (r *Repository) RecordSubmission(s Submission) error {
	_, err := r.db.Exec(`
		INSERT INTO oracle_submissions (tx_id, submitted_price, reason, source_count, percent_change, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'submitted', ?)`,
		s.TxID, s.SubmittedPrice, s.Reason, s.SourceCount, s.PercentChange, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record oracle submission: %w", err)
	}
	return nil
}

// UpdateSubmissionStatus moves a submission to confirmed or failed.
func (r *Repository) UpdateSubmissionStatus(txID, status string) error {
	_, err := r.db.Exec(`UPDATE oracle_submissions SET status = ? WHERE tx_id = ?`, status, txID)
	if err != nil {
		return fmt.Errorf("failed to update submission %s: %w", txID, err)
	}
	return nil
}
