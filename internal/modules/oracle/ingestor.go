package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bithedge/backend/internal/clients/feeds"
)

// Ingestor polls every configured feed and appends a tick per successful
// response. A failed source writes nothing and is retried on the next run.
type Ingestor struct {
	feeds    []feeds.Feed
	repo     *Repository
	deadline time.Duration
	log      zerolog.Logger
}

// NewIngestor creates the price ingestor.
func NewIngestor(fs []feeds.Feed, repo *Repository, deadline time.Duration, log zerolog.Logger) *Ingestor {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Ingestor{
		feeds:    fs,
		repo:     repo,
		deadline: deadline,
		log:      log.With().Str("component", "price-ingestor").Logger(),
	}
}

// Run performs one ingestion pass: all feeds fetched concurrently under a
// shared deadline.
func (i *Ingestor) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, i.deadline)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan feeds.Tick, len(i.feeds))

	for _, feed := range i.feeds {
		wg.Add(1)
		go func(f feeds.Feed) {
			defer wg.Done()
			tick, err := f.Fetch(ctx)
			if err != nil {
				i.log.Warn().Err(err).Str("source", f.Source()).Msg("Feed fetch failed")
				return
			}
			results <- tick
		}(feed)
	}
	wg.Wait()
	close(results)

	stored := 0
	for tick := range results {
		if err := i.store(tick); err != nil {
			i.log.Error().Err(err).Str("source", tick.Source).Msg("Failed to store tick")
			continue
		}
		stored++
	}

	i.log.Debug().Int("sources", len(i.feeds)).Int("stored", stored).Msg("Ingestion pass complete")
	return nil
}

// ConsumeStream drains websocket ticks into the tick store until the context
// is canceled. Runs alongside the polling passes.
func (i *Ingestor) ConsumeStream(ctx context.Context, ticks <-chan feeds.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			if err := i.store(tick); err != nil {
				i.log.Error().Err(err).Str("source", tick.Source).Msg("Failed to store stream tick")
			}
		}
	}
}

func (i *Ingestor) store(tick feeds.Tick) error {
	err := i.repo.InsertTick(PriceTick{
		Source:    tick.Source,
		PriceUSD:  tick.PriceUSD,
		Weight:    tick.Weight,
		Timestamp: tick.Timestamp,
	})
	if err == nil {
		PipelineMetrics().TicksIngested.WithLabelValues(tick.Source).Inc()
	}
	return err
}
