package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bithedge/backend/internal/config"
)

func serveBody(t *testing.T, body string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPerVenue(t *testing.T) {
	tests := []struct {
		source string
		body   string
		want   float64
	}{
		{"binance", `{"symbol":"BTCUSDT","price":"50123.45000000"}`, 50123.45},
		{"coinbase", `{"data":{"base":"BTC","currency":"USD","amount":"50124.12"}}`, 50124.12},
		{"kraken", `{"error":[],"result":{"XXBTZUSD":{"c":["50122.30000","0.01"]}}}`, 50122.30},
		{"bitstamp", `{"last":"50119.87","high":"51000"}`, 50119.87},
		{"gemini", `{"last":"50120.00","bid":"50119"}`, 50120.00},
		{"coingecko", `{"bitcoin":{"usd":50125.0}}`, 50125.0},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			srv := serveBody(t, tt.body)
			feed, err := New(config.FeedConfig{
				Source:      tt.source,
				URL:         srv.URL,
				Weight:      1.5,
				MinInterval: time.Millisecond,
			}, zerolog.Nop())
			require.NoError(t, err)

			tick, err := feed.Fetch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.source, tick.Source)
			assert.InDelta(t, tt.want, tick.PriceUSD, 0.001)
			assert.Equal(t, 1.5, tick.Weight)
			assert.False(t, tick.Timestamp.IsZero())
		})
	}
}

func TestFetchRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"price":`},
		{"zero price", `{"price":"0"}`},
		{"negative price", `{"price":"-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveBody(t, tt.body)
			feed, err := New(config.FeedConfig{
				Source:      "binance",
				URL:         srv.URL,
				Weight:      1.0,
				MinInterval: time.Millisecond,
			}, zerolog.Nop())
			require.NoError(t, err)

			_, err = feed.Fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	feed, err := New(config.FeedConfig{Source: "gemini", URL: srv.URL, Weight: 1.0, MinInterval: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	_, err = feed.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewUnknownSource(t *testing.T) {
	_, err := New(config.FeedConfig{Source: "mtgox"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewAllSkipsUnknown(t *testing.T) {
	feeds := NewAll([]config.FeedConfig{
		{Source: "binance", URL: "http://example.test", Weight: 1.5},
		{Source: "mtgox", URL: "http://example.test", Weight: 1.0},
	}, zerolog.Nop())

	require.Len(t, feeds, 1)
	assert.Equal(t, "binance", feeds[0].Source())
}

func TestParseTradeMessage(t *testing.T) {
	price, ok := parseTradeMessage([]byte(`{"e":"trade","p":"50100.10","q":"0.002"}`))
	require.True(t, ok)
	assert.InDelta(t, 50100.10, price, 0.001)

	_, ok = parseTradeMessage([]byte(`{"e":"ping"}`))
	assert.False(t, ok)
}
