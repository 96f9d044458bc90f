package feeds

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	streamSource   = "binance-stream"
	streamWeight   = 1.5
	coalesceWindow = 5 * time.Second
	maxBackoff     = 60 * time.Second
)

// Stream consumes the Binance trade websocket and coalesces trades into at
// most one tick per window. The stream supplements the REST feeds between
// polls; it never replaces them in aggregation weighting.
type Stream struct {
	url   string
	ticks chan<- Tick
	log   zerolog.Logger
}

// NewStream creates a websocket trade stream publishing onto ticks.
func NewStream(url string, ticks chan<- Tick, log zerolog.Logger) *Stream {
	return &Stream{
		url:   url,
		ticks: ticks,
		log:   log.With().Str("feed", streamSource).Logger(),
	}
}

// Run connects and consumes trades until the context is canceled,
// reconnecting with exponential backoff on any failure.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}

		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("Stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	s.log.Info().Str("url", s.url).Msg("Stream connected")

	var lastEmit time.Time
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		price, ok := parseTradeMessage(data)
		if !ok {
			continue
		}

		// Coalesce: at most one tick per window
		now := time.Now().UTC()
		if now.Sub(lastEmit) < coalesceWindow {
			continue
		}
		lastEmit = now

		tick := Tick{Source: streamSource, PriceUSD: price, Weight: streamWeight, Timestamp: now}
		select {
		case s.ticks <- tick:
		default:
			// Consumer is behind; drop rather than block the read loop
		}
	}
}

// parseTradeMessage extracts the trade price from a Binance trade or
// aggTrade payload.
func parseTradeMessage(data []byte) (float64, bool) {
	var msg struct {
		Price string `json:"p"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Price == "" {
		return 0, false
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}
