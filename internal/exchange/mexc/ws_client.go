package mexc

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/config"
	"spot-rebalance/internal/core"
)

var (
	// ErrStreamQuiet means no message of any kind arrived inside the quiet
	// window. The connection is presumed dead even if TCP still looks alive.
	ErrStreamQuiet = errors.New("stream quiet window elapsed")
	// ErrSubscriptionLimit is returned when a Subscribe would exceed the
	// per-connection channel ceiling.
	ErrSubscriptionLimit = errors.New("subscription limit reached")
)

type controlMessage struct {
	ID     int64    `json:"id,omitempty"`
	Method string   `json:"method,omitempty"`
	Params []string `json:"params,omitempty"`
	Code   int      `json:"code,omitempty"`
	Msg    string   `json:"msg,omitempty"`
}

// WSClient is one websocket connection to the push endpoint. Binary frames
// are decoded onto Events; JSON text frames carry subscription acks and the
// ping/pong heartbeat, answered inline on the read loop so heartbeats are
// never queued behind consumers.
type WSClient struct {
	baseURL      string
	maxSubs      int
	quietWindow  time.Duration
	pingInterval time.Duration
	log          *logrus.Entry

	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan core.StreamEvent

	mu     sync.Mutex
	subs   map[string]struct{}
	nextID int64
}

func NewWSClient(cfg config.ExchangeConfig) *WSClient {
	return &WSClient{
		baseURL:      strings.TrimRight(cfg.WSBaseURL, "/"),
		maxSubs:      cfg.MaxSubscriptions,
		quietWindow:  time.Duration(cfg.QuietWindowSec) * time.Second,
		pingInterval: time.Duration(cfg.PingIntervalSec) * time.Second,
		log:          logrus.WithField("component", "ws"),
		events:       make(chan core.StreamEvent, 256),
		subs:         make(map[string]struct{}),
	}
}

// Connect dials the push endpoint. A non-empty listen key is passed as a
// query parameter and scopes the connection to the private stream.
func (w *WSClient) Connect(ctx context.Context, listenKey string) error {
	endpoint := w.baseURL
	if listenKey != "" {
		endpoint += "?listenKey=" + listenKey
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "dial push endpoint")
	}
	w.conn = conn
	return nil
}

func (w *WSClient) Events() <-chan core.StreamEvent { return w.events }

// Subscribe registers channels up to the per-connection ceiling. The request
// is rejected before anything is sent when it would overflow.
func (w *WSClient) Subscribe(channels ...string) error {
	w.mu.Lock()
	fresh := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := w.subs[ch]; !ok {
			fresh = append(fresh, ch)
		}
	}
	if len(w.subs)+len(fresh) > w.maxSubs {
		w.mu.Unlock()
		return errors.Wrapf(ErrSubscriptionLimit, "%d active, %d requested, ceiling %d",
			len(w.subs), len(fresh), w.maxSubs)
	}
	for _, ch := range fresh {
		w.subs[ch] = struct{}{}
	}
	id := w.nextID
	w.nextID++
	w.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	return w.writeControl(controlMessage{ID: id, Method: "SUBSCRIPTION", Params: fresh})
}

func (w *WSClient) Unsubscribe(channels ...string) error {
	w.mu.Lock()
	drop := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			drop = append(drop, ch)
		}
	}
	id := w.nextID
	w.nextID++
	w.mu.Unlock()
	if len(drop) == 0 {
		return nil
	}
	return w.writeControl(controlMessage{ID: id, Method: "UNSUBSCRIPTION", Params: drop})
}

func (w *WSClient) Subscriptions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.subs))
	for ch := range w.subs {
		out = append(out, ch)
	}
	return out
}

func (w *WSClient) writeControl(msg controlMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Run reads until the connection fails, the quiet window elapses, or ctx is
// cancelled. It owns the heartbeat ticker; the caller owns reconnection.
func (w *WSClient) Run(ctx context.Context) error {
	if w.conn == nil {
		return errors.New("not connected")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.pingLoop(runCtx)

	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			// Cancellation unblocks the pending read.
			_ = w.conn.Close()
		}
	}()

	for {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.quietWindow))
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errors.Wrapf(ErrStreamQuiet, "no message for %s", w.quietWindow)
			}
			return errors.Wrap(err, "read push stream")
		}
		switch msgType {
		case websocket.BinaryMessage:
			w.handleFrame(ctx, data)
		case websocket.TextMessage:
			w.handleControl(data)
		}
	}
}

func (w *WSClient) handleFrame(ctx context.Context, data []byte) {
	event, err := DecodeFrame(data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) {
			w.log.WithField("bytes", len(data)).Debug("skipping unknown frame")
			return
		}
		w.log.WithError(err).Warn("dropping undecodable frame")
		return
	}
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}

func (w *WSClient) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		w.log.WithField("bytes", len(data)).Warn("unparseable control message")
		return
	}
	switch strings.ToUpper(msg.Method) {
	case "PING":
		// Answered inline so the server never times us out behind a slow
		// consumer.
		if err := w.writeControl(controlMessage{Method: "PONG"}); err != nil {
			w.log.WithError(err).Warn("pong write failed")
		}
	case "PONG":
	case "SUBSCRIPTION", "UNSUBSCRIPTION":
		if msg.Code != 0 {
			w.log.WithFields(logrus.Fields{"code": msg.Code, "msg": msg.Msg}).
				Warn("subscription request rejected")
		}
	default:
		if msg.Msg != "" {
			w.log.WithField("msg", msg.Msg).Debug("control message")
		}
	}
}

func (w *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.writeControl(controlMessage{Method: "PING"}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *WSClient) Close() error {
	if w.conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	return w.conn.Close()
}
