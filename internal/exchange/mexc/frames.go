package mexc

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"spot-rebalance/internal/core"
)

// Push frames arrive as protobuf wire data. The wrapper carries routing
// metadata and exactly one body submessage; decimal values travel as strings
// so no precision is lost, timestamps as unix milliseconds.
const (
	frameFieldChannel  = 1
	frameFieldSymbol   = 2
	frameFieldSendTime = 3

	frameFieldTrade        = 10
	frameFieldCandle       = 11
	frameFieldDepthDiff    = 12
	frameFieldBookTicker   = 13
	frameFieldBalanceDelta = 14
	frameFieldOrderUpdate  = 15
	frameFieldTradeFill    = 16
)

// ErrUnknownFrame marks a frame whose body field is not part of the known
// set. Readers log and skip; an unknown frame never tears the connection.
var ErrUnknownFrame = errors.New("unknown frame body")

var errTruncatedFrame = errors.Wrap(core.ErrValidation, "truncated frame")

// DecodeFrame parses one binary push frame into a stream event. Unknown
// wrapper fields are skipped so additive upstream changes stay compatible.
func DecodeFrame(data []byte) (core.StreamEvent, error) {
	event := core.StreamEvent{ReceivedAt: time.Now().UTC()}
	bodySeen := false

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case frameFieldChannel:
			event.Channel = string(val)
		case frameFieldSymbol:
			event.Symbol = string(val)
		case frameFieldSendTime:
			// Sender clock, informational only.
		case frameFieldTrade:
			trade, err := decodeTrade(val)
			if err != nil {
				return err
			}
			event.Type, event.Trade, bodySeen = core.EventTrade, &trade, true
		case frameFieldCandle:
			candle, err := decodeCandle(val)
			if err != nil {
				return err
			}
			event.Type, event.Candle, bodySeen = core.EventCandle, &candle, true
		case frameFieldDepthDiff:
			diff, err := decodeDepthDiff(val)
			if err != nil {
				return err
			}
			event.Type, event.DepthDiff, bodySeen = core.EventDepthDiff, &diff, true
		case frameFieldBookTicker:
			ticker, err := decodeBookTicker(val)
			if err != nil {
				return err
			}
			event.Type, event.BookTicker, bodySeen = core.EventBookTicker, &ticker, true
		case frameFieldBalanceDelta:
			delta, err := decodeBalanceDelta(val)
			if err != nil {
				return err
			}
			event.Type, event.BalanceDelta, bodySeen = core.EventBalanceDelta, &delta, true
		case frameFieldOrderUpdate:
			update, err := decodeOrderUpdate(val)
			if err != nil {
				return err
			}
			event.Type, event.OrderUpdate, bodySeen = core.EventOrderUpdate, &update, true
		case frameFieldTradeFill:
			fill, err := decodeTradeFill(val)
			if err != nil {
				return err
			}
			event.Type, event.TradeFill, bodySeen = core.EventTradeFill, &fill, true
		}
		return nil
	})
	if err != nil {
		return core.StreamEvent{}, err
	}
	if !bodySeen {
		return core.StreamEvent{}, ErrUnknownFrame
	}
	return event, nil
}

// walkFields iterates top-level fields, handing bytes-typed payloads to fn
// and skipping everything it does not recognize. Varint fields are re-encoded
// into val as a plain little payload via the varint helpers below.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errTruncatedFrame
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errTruncatedFrame
			}
			if err := fn(num, typ, val); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errTruncatedFrame
			}
			if err := fn(num, typ, protowire.AppendVarint(nil, v)); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errTruncatedFrame
			}
			data = data[n:]
		}
	}
	return nil
}

func varintOf(val []byte) uint64 {
	v, n := protowire.ConsumeVarint(val)
	if n < 0 {
		return 0
	}
	return v
}

func decimalOf(val []byte) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(val))
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(core.ErrValidation, "bad decimal %q", string(val))
	}
	return d, nil
}

func sideOf(val []byte) core.Side {
	if varintOf(val) == 2 {
		return core.Sell
	}
	return core.Buy
}

func timeOf(val []byte) time.Time {
	ms := varintOf(val)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func decodeTrade(data []byte) (core.TradeTick, error) {
	var tick core.TradeTick
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			tick.Price, err = decimalOf(val)
		case 2:
			tick.Qty, err = decimalOf(val)
		case 3:
			tick.Side = sideOf(val)
		case 4:
			tick.Time = timeOf(val)
		}
		return err
	})
	return tick, err
}

func decodeCandle(data []byte) (core.Candle, error) {
	var candle core.Candle
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			candle.Interval = string(val)
		case 2:
			candle.Open, err = decimalOf(val)
		case 3:
			candle.High, err = decimalOf(val)
		case 4:
			candle.Low, err = decimalOf(val)
		case 5:
			candle.Close, err = decimalOf(val)
		case 6:
			candle.Volume, err = decimalOf(val)
		case 7:
			candle.Start = timeOf(val)
		}
		return err
	})
	return candle, err
}

func decodeDepthDiff(data []byte) (core.DepthDiff, error) {
	var diff core.DepthDiff
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		switch num {
		case 1:
			diff.FromVersion = varintOf(val)
		case 2:
			diff.ToVersion = varintOf(val)
		case 3:
			level, err := decodeLevel(val)
			if err != nil {
				return err
			}
			diff.Bids = append(diff.Bids, level)
		case 4:
			level, err := decodeLevel(val)
			if err != nil {
				return err
			}
			diff.Asks = append(diff.Asks, level)
		}
		return nil
	})
	return diff, err
}

func decodeLevel(data []byte) (core.PriceLevel, error) {
	var level core.PriceLevel
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			level.Price, err = decimalOf(val)
		case 2:
			level.Qty, err = decimalOf(val)
		}
		return err
	})
	return level, err
}

func decodeBookTicker(data []byte) (core.BookTicker, error) {
	var ticker core.BookTicker
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			ticker.BidPrice, err = decimalOf(val)
		case 2:
			ticker.BidQty, err = decimalOf(val)
		case 3:
			ticker.AskPrice, err = decimalOf(val)
		case 4:
			ticker.AskQty, err = decimalOf(val)
		}
		return err
	})
	return ticker, err
}

func decodeBalanceDelta(data []byte) (core.BalanceDelta, error) {
	var delta core.BalanceDelta
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			delta.Asset = string(val)
		case 2:
			delta.Free, err = decimalOf(val)
		case 3:
			delta.Locked, err = decimalOf(val)
		case 4:
			delta.Time = timeOf(val)
		}
		return err
	})
	return delta, err
}

func decodeOrderUpdate(data []byte) (core.OrderUpdate, error) {
	var update core.OrderUpdate
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			update.OrderID = string(val)
		case 2:
			update.ClientID = string(val)
		case 3:
			update.Side = sideOf(val)
		case 4:
			update.Price, err = decimalOf(val)
		case 5:
			update.Qty, err = decimalOf(val)
		case 6:
			update.Status = core.OrderStatus(val)
		case 7:
			update.Time = timeOf(val)
		}
		return err
	})
	return update, err
}

func decodeTradeFill(data []byte) (core.TradeFill, error) {
	var fill core.TradeFill
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, val []byte) error {
		var err error
		switch num {
		case 1:
			fill.OrderID = string(val)
		case 2:
			fill.TradeID = string(val)
		case 3:
			fill.Side = sideOf(val)
		case 4:
			fill.Price, err = decimalOf(val)
		case 5:
			fill.Qty, err = decimalOf(val)
		case 6:
			fill.Time = timeOf(val)
		}
		return err
	})
	return fill, err
}
