package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/types"
)

const priceEndpoint = "/price"

// Source returns the current price of a symbol.
type Source interface {
	Name() string
	GetPrice(ctx context.Context, symbol string) (types.PriceQuote, error)
}

// Cache stores recent quotes. A miss is reported as (nil, nil).
type Cache interface {
	GetPriceQuote(ctx context.Context, symbol string) (*types.PriceQuote, error)
	SetPriceQuote(ctx context.Context, quote types.PriceQuote, ttl time.Duration) error
}

type priceResponse struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source"`
}

type HTTPSource struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPSource(name, baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Name() string {
	return s.name
}

func (s *HTTPSource) GetPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+priceEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return types.PriceQuote{}, fmt.Errorf("fail to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return types.PriceQuote{}, fmt.Errorf("fail to call %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.PriceQuote{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.PriceQuote{}, fmt.Errorf("%s returned status %d: %s", s.name, resp.StatusCode, string(body))
	}

	var out priceResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return types.PriceQuote{}, fmt.Errorf("fail to decode %s response: %w", s.name, err)
	}
	if !out.Price.IsPositive() {
		return types.PriceQuote{}, fmt.Errorf("%s returned non-positive price %s for %s", s.name, out.Price, symbol)
	}

	quote := types.PriceQuote{
		Symbol:    symbol,
		Price:     out.Price,
		Timestamp: time.Unix(out.Timestamp, 0).UTC(),
		Source:    out.Source,
	}
	if out.Timestamp == 0 {
		quote.Timestamp = time.Now().UTC()
	}
	if quote.Source == "" {
		quote.Source = s.name
	}
	return quote, nil
}

// Feed asks the primary source, then the fallback, and keeps successful
// quotes in the cache for ttl.
type Feed struct {
	primary  Source
	fallback Source
	cache    Cache
	ttl      time.Duration
	logger   *logrus.Logger
}

func NewFeed(primary, fallback Source, cache Cache, ttl time.Duration, logger *logrus.Logger) *Feed {
	return &Feed{
		primary:  primary,
		fallback: fallback,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
	}
}

func (f *Feed) GetPrice(ctx context.Context, symbol string) (types.PriceQuote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return types.PriceQuote{}, errors.New("empty symbol")
	}

	if f.cache != nil && f.ttl > 0 {
		cached, err := f.cache.GetPriceQuote(ctx, symbol)
		if err != nil {
			f.logger.WithError(err).WithField("symbol", symbol).Warn("Price cache read failed")
		} else if cached != nil {
			return *cached, nil
		}
	}

	var errs []error
	for _, src := range []Source{f.primary, f.fallback} {
		if src == nil {
			continue
		}
		quote, err := src.GetPrice(ctx, symbol)
		if err != nil {
			f.logger.WithFields(logrus.Fields{
				"symbol": symbol,
				"source": src.Name(),
				"error":  err,
			}).Warn("Price source failed")
			errs = append(errs, err)
			continue
		}
		if f.cache != nil && f.ttl > 0 {
			if err := f.cache.SetPriceQuote(ctx, quote, f.ttl); err != nil {
				f.logger.WithError(err).WithField("symbol", symbol).Warn("Price cache write failed")
			}
		}
		return quote, nil
	}
	if len(errs) == 0 {
		return types.PriceQuote{}, errors.New("no price source configured")
	}
	return types.PriceQuote{}, fmt.Errorf("no price for %s: %w", symbol, errors.Join(errs...))
}
