package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Comparison string

const (
	ComparisonAbove  Comparison = "above"
	ComparisonBelow  Comparison = "below"
	ComparisonEquals Comparison = "equals"
)

func (c Comparison) Valid() bool {
	switch c {
	case ComparisonAbove, ComparisonBelow, ComparisonEquals:
		return true
	}
	return false
}

type TriggerStatus string

const (
	TriggerPending   TriggerStatus = "pending"
	TriggerTriggered TriggerStatus = "triggered"
	TriggerExecuted  TriggerStatus = "executed"
	TriggerFailed    TriggerStatus = "failed"
	TriggerCancelled TriggerStatus = "cancelled"
)

// CanTransition enforces pending -> triggered -> {executed|failed} and
// pending -> cancelled. Nothing re-enters pending.
func (s TriggerStatus) CanTransition(next TriggerStatus) bool {
	switch s {
	case TriggerPending:
		return next == TriggerTriggered || next == TriggerCancelled
	case TriggerTriggered:
		return next == TriggerExecuted || next == TriggerFailed
	}
	return false
}

type PriceTrigger struct {
	ID           uuid.UUID        `json:"id"`
	UserID       string           `json:"user_id"`
	Comparison   Comparison       `json:"comparison"`
	TargetPrice  decimal.Decimal  `json:"target_price"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	SourceAsset  string           `json:"source_asset"`
	DestAsset    string           `json:"dest_asset"`
	Amount       string           `json:"amount"`
	ChainID      int64            `json:"chain_id"`
	IsActive     bool             `json:"is_active"`
	Status       TriggerStatus    `json:"status"`
	TxHash       *string          `json:"tx_hash,omitempty"`
	LastError    *string          `json:"last_error,omitempty"`
	TriggeredAt  *time.Time       `json:"triggered_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// PriceQuote is one observation from a price feed.
type PriceQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

func (q PriceQuote) CacheKey() string {
	return "price:" + q.Symbol
}
