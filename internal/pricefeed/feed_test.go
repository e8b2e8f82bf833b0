package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/autotransfer/internal/types"
)

type stubSource struct {
	name  string
	price string
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) GetPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	s.calls++
	if s.err != nil {
		return types.PriceQuote{}, s.err
	}
	return types.PriceQuote{Symbol: symbol, Price: decimal.RequireFromString(s.price), Source: s.name}, nil
}

type mapCache map[string]types.PriceQuote

func (m mapCache) GetPriceQuote(ctx context.Context, symbol string) (*types.PriceQuote, error) {
	q, ok := m[symbol]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (m mapCache) SetPriceQuote(ctx context.Context, quote types.PriceQuote, ttl time.Duration) error {
	m[quote.Symbol] = quote
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFeedGetPrice(t *testing.T) {
	testCases := []struct {
		name       string
		primary    *stubSource
		fallback   *stubSource
		wantPrice  string
		wantSource string
		wantErr    bool
	}{
		{
			name:       "Primary answers",
			primary:    &stubSource{name: "primary", price: "50000"},
			fallback:   &stubSource{name: "fallback", price: "1"},
			wantPrice:  "50000",
			wantSource: "primary",
		},
		{
			name:       "Falls back when primary fails",
			primary:    &stubSource{name: "primary", err: errors.New("down")},
			fallback:   &stubSource{name: "fallback", price: "49999.5"},
			wantPrice:  "49999.5",
			wantSource: "fallback",
		},
		{
			name:     "Both fail",
			primary:  &stubSource{name: "primary", err: errors.New("down")},
			fallback: &stubSource{name: "fallback", err: errors.New("down")},
			wantErr:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			feed := NewFeed(tc.primary, tc.fallback, nil, 0, testLogger())
			quote, err := feed.GetPrice(context.Background(), "btc")
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "BTC", quote.Symbol)
			assert.Equal(t, tc.wantPrice, quote.Price.String())
			assert.Equal(t, tc.wantSource, quote.Source)
		})
	}
}

func TestFeedUsesCache(t *testing.T) {
	primary := &stubSource{name: "primary", price: "3000"}
	cache := mapCache{}
	feed := NewFeed(primary, nil, cache, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		quote, err := feed.GetPrice(context.Background(), "ETH")
		require.NoError(t, err)
		assert.Equal(t, "3000", quote.Price.String())
	}
	assert.Equal(t, 1, primary.calls)
	assert.Contains(t, cache, "ETH")
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, priceEndpoint, r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "BTC":
			fmt.Fprint(w, `{"price":"50000.25","timestamp":1740819600,"source":"coingecko"}`)
		case "ZERO":
			fmt.Fprint(w, `{"price":"0"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource("primary", srv.URL, time.Second)

	quote, err := src.GetPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, quote.Price.Equal(decimal.RequireFromString("50000.25")))
	assert.Equal(t, "coingecko", quote.Source)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), quote.Timestamp)

	_, err = src.GetPrice(context.Background(), "ZERO")
	assert.Error(t, err)

	_, err = src.GetPrice(context.Background(), "NOPE")
	assert.Error(t, err)
}
