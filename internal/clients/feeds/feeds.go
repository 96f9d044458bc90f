// Package feeds fetches BTC-USD spot prices from external venues.
package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bithedge/backend/internal/config"
)

// Tick is one observed price from one source.
type Tick struct {
	Source    string
	PriceUSD  float64
	Weight    float64
	Timestamp time.Time
}

// Feed produces price ticks from one venue.
type Feed interface {
	Source() string
	Weight() float64
	Fetch(ctx context.Context) (Tick, error)
}

// parser extracts the BTC-USD price from a venue's response body.
type parser func(body []byte) (float64, error)

// httpFeed polls a REST quote endpoint. Each feed carries its own rate
// limiter so schedulers cannot hammer a venue regardless of interval
// configuration.
type httpFeed struct {
	cfg     config.FeedConfig
	client  *http.Client
	parse   parser
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds a feed from its configuration. Unknown sources are an error so
// a typo in config fails at startup, not silently at runtime.
func New(cfg config.FeedConfig, log zerolog.Logger) (Feed, error) {
	parse, ok := parsers[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("no parser for price source %q", cfg.Source)
	}

	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = 10 * time.Second
	}

	return &httpFeed{
		cfg:     cfg,
		client:  &http.Client{Timeout: 5 * time.Second},
		parse:   parse,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		log:     log.With().Str("feed", cfg.Source).Logger(),
	}, nil
}

// NewAll builds every configured feed, skipping sources with no parser.
func NewAll(cfgs []config.FeedConfig, log zerolog.Logger) []Feed {
	feeds := make([]Feed, 0, len(cfgs))
	for _, cfg := range cfgs {
		f, err := New(cfg, log)
		if err != nil {
			log.Warn().Err(err).Str("source", cfg.Source).Msg("Skipping unrecognized price source")
			continue
		}
		feeds = append(feeds, f)
	}
	return feeds
}

func (f *httpFeed) Source() string  { return f.cfg.Source }
func (f *httpFeed) Weight() float64 { return f.cfg.Weight }

// Fetch performs one rate-limited quote request.
func (f *httpFeed) Fetch(ctx context.Context) (Tick, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Tick{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return Tick{}, err
	}
	if f.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", f.cfg.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Tick{}, fmt.Errorf("%s request failed: %w", f.cfg.Source, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tick{}, fmt.Errorf("%s response read failed: %w", f.cfg.Source, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Tick{}, fmt.Errorf("%s returned status %d: %s", f.cfg.Source, resp.StatusCode, string(body))
	}

	price, err := f.parse(body)
	if err != nil {
		return Tick{}, fmt.Errorf("%s parse failed: %w", f.cfg.Source, err)
	}
	if price <= 0 {
		return Tick{}, fmt.Errorf("%s returned non-positive price %f", f.cfg.Source, price)
	}

	return Tick{
		Source:    f.cfg.Source,
		PriceUSD:  price,
		Weight:    f.cfg.Weight,
		Timestamp: time.Now().UTC(),
	}, nil
}
