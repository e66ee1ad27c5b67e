package mexc

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"spot-rebalance/internal/core"
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func wrapFrame(channel, symbol string, bodyField protowire.Number, body []byte) []byte {
	var frame []byte
	frame = appendString(frame, frameFieldChannel, channel)
	frame = appendString(frame, frameFieldSymbol, symbol)
	frame = appendVarint(frame, frameFieldSendTime, 1700000000000)
	return appendMessage(frame, bodyField, body)
}

func TestDecodeTradeFrame(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "50000.5")
	body = appendString(body, 2, "0.002")
	body = appendVarint(body, 3, 2)
	body = appendVarint(body, 4, 1700000000123)
	frame := wrapFrame("spot@public.deals.v3.api.pb@BTCUSDT", "BTCUSDT", frameFieldTrade, body)

	event, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if event.Type != core.EventTrade || event.Trade == nil {
		t.Fatalf("event type = %s, want trade body", event.Type)
	}
	if event.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", event.Symbol)
	}
	if event.Trade.Price.String() != "50000.5" || event.Trade.Qty.String() != "0.002" {
		t.Fatalf("trade = %s @ %s, want 0.002 @ 50000.5", event.Trade.Qty, event.Trade.Price)
	}
	if event.Trade.Side != core.Sell {
		t.Fatalf("side = %s, want SELL", event.Trade.Side)
	}
	if event.Trade.Time.UnixMilli() != 1700000000123 {
		t.Fatalf("time = %d, want 1700000000123", event.Trade.Time.UnixMilli())
	}
}

func TestDecodeDepthDiffFrame(t *testing.T) {
	var bid []byte
	bid = appendString(bid, 1, "49999")
	bid = appendString(bid, 2, "1.5")
	var gone []byte
	gone = appendString(gone, 1, "50001")
	gone = appendString(gone, 2, "0")

	var body []byte
	body = appendVarint(body, 1, 100)
	body = appendVarint(body, 2, 105)
	body = appendMessage(body, 3, bid)
	body = appendMessage(body, 4, gone)
	frame := wrapFrame("spot@public.aggre.depth.v3.api.pb@BTCUSDT", "BTCUSDT", frameFieldDepthDiff, body)

	event, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	diff := event.DepthDiff
	if diff == nil {
		t.Fatal("missing depth diff body")
	}
	if diff.FromVersion != 100 || diff.ToVersion != 105 {
		t.Fatalf("versions = (%d, %d], want (100, 105]", diff.FromVersion, diff.ToVersion)
	}
	if len(diff.Bids) != 1 || diff.Bids[0].Price.String() != "49999" {
		t.Fatalf("bids = %+v, want one level at 49999", diff.Bids)
	}
	if len(diff.Asks) != 1 || !diff.Asks[0].Qty.IsZero() {
		t.Fatalf("asks = %+v, want one zero-qty removal", diff.Asks)
	}
}

func TestDecodeBalanceDeltaFrame(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "USDT")
	body = appendString(body, 2, "1234.56")
	body = appendString(body, 3, "10")
	body = appendVarint(body, 4, 1700000000456)
	frame := wrapFrame("spot@private.account.v3.api.pb", "", frameFieldBalanceDelta, body)

	event, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if event.Type != core.EventBalanceDelta || event.BalanceDelta == nil {
		t.Fatalf("event type = %s, want balance delta", event.Type)
	}
	if event.BalanceDelta.Asset != "USDT" || event.BalanceDelta.Free.String() != "1234.56" {
		t.Fatalf("delta = %+v, want USDT free 1234.56", event.BalanceDelta)
	}
}

func TestDecodeOrderUpdateFrame(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "987")
	body = appendString(body, 2, "cli-1")
	body = appendVarint(body, 3, 1)
	body = appendString(body, 4, "50000")
	body = appendString(body, 5, "0.1")
	body = appendString(body, 6, "FILLED")
	body = appendVarint(body, 7, 1700000000789)
	frame := wrapFrame("spot@private.orders.v3.api.pb", "BTCUSDT", frameFieldOrderUpdate, body)

	event, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	update := event.OrderUpdate
	if update == nil {
		t.Fatal("missing order update body")
	}
	if update.OrderID != "987" || update.Status != core.OrderFilled || update.Side != core.Buy {
		t.Fatalf("update = %+v", update)
	}
}

func TestUnknownWrapperFieldsSkipped(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "100")
	body = appendString(body, 2, "1")
	var frame []byte
	frame = appendString(frame, frameFieldChannel, "ch")
	frame = appendVarint(frame, 99, 42)
	frame = appendString(frame, 98, "future metadata")
	frame = appendMessage(frame, frameFieldTrade, body)

	event, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if event.Trade == nil || event.Trade.Price.String() != "100" {
		t.Fatalf("trade body lost among unknown fields: %+v", event)
	}
}

func TestUnknownBodyRejected(t *testing.T) {
	var frame []byte
	frame = appendString(frame, frameFieldChannel, "spot@public.future.channel")
	frame = appendMessage(frame, 42, appendString(nil, 1, "x"))

	_, err := DecodeFrame(frame)
	if !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("DecodeFrame() error = %v, want ErrUnknownFrame", err)
	}
}

func TestTruncatedFrameIsValidationError(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "100")
	frame := wrapFrame("ch", "S", frameFieldTrade, body)

	_, err := DecodeFrame(frame[:len(frame)-3])
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("DecodeFrame() error = %v, want ErrValidation", err)
	}
}

func TestBadDecimalIsValidationError(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "not-a-number")
	frame := wrapFrame("ch", "S", frameFieldTrade, body)

	_, err := DecodeFrame(frame)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("DecodeFrame() error = %v, want ErrValidation", err)
	}
}
