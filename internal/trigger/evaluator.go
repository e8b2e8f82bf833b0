package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/autotransfer/internal/types"
)

// DefaultTolerance is the relative band within which "equals" fires.
var DefaultTolerance = decimal.NewFromFloat(0.01)

// ParseTolerance reads a relative band such as "0.01". Empty means the
// default.
func ParseTolerance(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return DefaultTolerance, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tolerance %q: %w", v, err)
	}
	if !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("tolerance %s must be between 0 and 1", d)
	}
	return d, nil
}

type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (types.PriceQuote, error)
}

type Evaluator struct {
	tolerance decimal.Decimal
	logger    *logrus.Logger
}

func NewEvaluator(tolerance decimal.Decimal, logger *logrus.Logger) *Evaluator {
	if !tolerance.IsPositive() {
		tolerance = DefaultTolerance
	}
	return &Evaluator{tolerance: tolerance, logger: logger}
}

// Evaluate reports whether trigger fires at price.
func (e *Evaluator) Evaluate(trigger types.PriceTrigger, price decimal.Decimal) bool {
	switch trigger.Comparison {
	case types.ComparisonAbove:
		return price.GreaterThanOrEqual(trigger.TargetPrice)
	case types.ComparisonBelow:
		return price.LessThanOrEqual(trigger.TargetPrice)
	case types.ComparisonEquals:
		band := trigger.TargetPrice.Abs().Mul(e.tolerance)
		return price.Sub(trigger.TargetPrice).Abs().LessThanOrEqual(band)
	}
	return false
}

// Evaluation is the result of checking one trigger during a poll.
type Evaluation struct {
	Trigger types.PriceTrigger
	Quote   types.PriceQuote
	Fires   bool
}

// Poll fetches one price per source asset and evaluates every trigger
// against it. Triggers whose price could not be fetched are left out and
// their symbols returned in failed.
func (e *Evaluator) Poll(ctx context.Context, feed PriceFeed, triggers []types.PriceTrigger) (evaluations []Evaluation, failed []string) {
	quotes := map[string]types.PriceQuote{}
	missing := map[string]bool{}

	for _, t := range triggers {
		symbol := strings.ToUpper(t.SourceAsset)
		if missing[symbol] {
			continue
		}
		quote, ok := quotes[symbol]
		if !ok {
			q, err := feed.GetPrice(ctx, symbol)
			if err != nil {
				e.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"error":  err,
				}).Error("Failed to fetch price")
				missing[symbol] = true
				failed = append(failed, symbol)
				continue
			}
			quotes[symbol] = q
			quote = q
		}

		fires := e.Evaluate(t, quote.Price)
		e.logger.WithFields(logrus.Fields{
			"trigger_id": t.ID,
			"comparison": t.Comparison,
			"target":     t.TargetPrice.String(),
			"observed":   quote.Price.String(),
			"fires":      fires,
		}).Debug("Trigger evaluated")
		evaluations = append(evaluations, Evaluation{Trigger: t, Quote: quote, Fires: fires})
	}
	return evaluations, failed
}
