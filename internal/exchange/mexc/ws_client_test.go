package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"

	"spot-rebalance/internal/config"
	"spot-rebalance/internal/core"
)

var testUpgrader = websocket.Upgrader{}

func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func wsTestConfig(url string, maxSubs int, quietSec, pingSec int64) config.ExchangeConfig {
	return config.ExchangeConfig{
		WSBaseURL:        url,
		MaxSubscriptions: maxSubs,
		QuietWindowSec:   quietSec,
		PingIntervalSec:  pingSec,
	}
}

func TestSubscribeEnforcesCeiling(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := NewWSClient(wsTestConfig(url, 2, 30, 10))
	if err := ws.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ws.Close()

	if err := ws.Subscribe("a", "b"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	err := ws.Subscribe("c")
	if !errors.Is(err, ErrSubscriptionLimit) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscriptionLimit", err)
	}
	// Existing channels are held, the rejected one is not.
	if got := len(ws.Subscriptions()); got != 2 {
		t.Fatalf("subscriptions = %d, want 2", got)
	}
}

func TestSubscribeIgnoresDuplicates(t *testing.T) {
	sent := make(chan controlMessage, 4)
	url := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg controlMessage
			if json.Unmarshal(data, &msg) == nil {
				sent <- msg
			}
		}
	})
	ws := NewWSClient(wsTestConfig(url, 5, 30, 10))
	if err := ws.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ws.Close()

	if err := ws.Subscribe("a"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := ws.Subscribe("a"); err != nil {
		t.Fatalf("Subscribe() repeat error = %v", err)
	}
	select {
	case msg := <-sent:
		if msg.Method != "SUBSCRIPTION" || len(msg.Params) != 1 || msg.Params[0] != "a" {
			t.Fatalf("control = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription request sent")
	}
	select {
	case msg := <-sent:
		t.Fatalf("duplicate subscribe sent %+v on the wire", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerPingAnsweredInline(t *testing.T) {
	gotPong := make(chan struct{})
	url := wsTestServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"PING"}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg controlMessage
			if json.Unmarshal(data, &msg) == nil && strings.EqualFold(msg.Method, "PONG") {
				close(gotPong)
				return
			}
		}
	})
	ws := NewWSClient(wsTestConfig(url, 5, 30, 10))
	if err := ws.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ws.Run(ctx) }()

	select {
	case <-gotPong:
	case <-time.After(3 * time.Second):
		t.Fatal("server ping not answered")
	}
}

func TestBinaryFrameDelivered(t *testing.T) {
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendString(body, "42000")
	body = protowire.AppendTag(body, 2, protowire.BytesType)
	body = protowire.AppendString(body, "0.5")
	var frame []byte
	frame = protowire.AppendTag(frame, frameFieldSymbol, protowire.BytesType)
	frame = protowire.AppendString(frame, "BTCUSDT")
	frame = protowire.AppendTag(frame, frameFieldTrade, protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	url := wsTestServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := NewWSClient(wsTestConfig(url, 5, 30, 10))
	if err := ws.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ws.Run(ctx) }()

	select {
	case event := <-ws.Events():
		if event.Type != core.EventTrade || event.Symbol != "BTCUSDT" {
			t.Fatalf("event = %+v, want a BTCUSDT trade", event)
		}
		if event.Trade.Price.String() != "42000" {
			t.Fatalf("price = %s, want 42000", event.Trade.Price)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("binary frame never delivered")
	}
}

func TestQuietWindowTearsConnection(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		// Stay silent; absorb client pings without answering.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ws := NewWSClient(wsTestConfig(url, 5, 1, 10))
	if err := ws.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ws.Close()

	start := time.Now()
	err := ws.Run(context.Background())
	if !errors.Is(err, ErrStreamQuiet) {
		t.Fatalf("Run() error = %v, want ErrStreamQuiet", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("Run() returned after %s, before the quiet window", elapsed)
	}
}
