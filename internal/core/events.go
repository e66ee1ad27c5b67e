package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTrade        EventType = "trade"
	EventCandle       EventType = "candle"
	EventDepthDiff    EventType = "depth_diff"
	EventBookTicker   EventType = "book_ticker"
	EventBalanceDelta EventType = "balance_delta"
	EventOrderUpdate  EventType = "order_update"
	EventTradeFill    EventType = "trade_fill"
)

// StreamEvent is the closed set of decoded push messages. Exactly one body
// pointer is non-nil, matching Type.
type StreamEvent struct {
	Type       EventType
	Channel    string
	Symbol     string
	ReceivedAt time.Time

	Trade        *TradeTick
	Candle       *Candle
	DepthDiff    *DepthDiff
	BookTicker   *BookTicker
	BalanceDelta *BalanceDelta
	OrderUpdate  *OrderUpdate
	TradeFill    *TradeFill
}

type TradeTick struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
	Side  Side
	Time  time.Time
}

type Candle struct {
	Interval string
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Start    time.Time
}

type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// DepthDiff covers book versions (FromVersion, ToVersion]. A level with zero
// Qty removes that price from the ladder.
type DepthDiff struct {
	FromVersion uint64
	ToVersion   uint64
	Bids        []PriceLevel
	Asks        []PriceLevel
}

type BookTicker struct {
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

type BalanceDelta struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Time   time.Time
}

type OrderUpdate struct {
	OrderID  string
	ClientID string
	Side     Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	Status   OrderStatus
	Time     time.Time
}

type TradeFill struct {
	OrderID string
	TradeID string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Time    time.Time
}
