package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type PlanAction string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

const (
	ActionHold PlanAction = "HOLD"
	ActionBuy  PlanAction = "BUY"
	ActionSell PlanAction = "SELL"
)

type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

type Trade struct {
	OrderID string
	TradeID string
	Symbol  string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Status  OrderStatus
	Time    time.Time
}

type Balance struct {
	Base        decimal.Decimal `json:"base"`
	Quote       decimal.Decimal `json:"quote"`
	BaseFree    decimal.Decimal `json:"base_free"`
	BaseLocked  decimal.Decimal `json:"base_locked"`
	QuoteFree   decimal.Decimal `json:"quote_free"`
	QuoteLocked decimal.Decimal `json:"quote_locked"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Position tracks inventory and cost basis for one symbol. Qty never goes
// negative; sells beyond inventory must be clamped by the caller.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	Invested      decimal.Decimal `json:"invested"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RebalancePlan is the immutable output of one rebalance decision, kept for
// audit. Quantity and Notional are zero for HOLD.
type RebalancePlan struct {
	Action      PlanAction      `json:"action"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	Notional    decimal.Decimal `json:"notional"`
	Reason      string          `json:"reason"`
	RefPrice    decimal.Decimal `json:"ref_price"`
	TargetRatio decimal.Decimal `json:"target_ratio"`
	CreatedAt   time.Time       `json:"created_at"`
}
