package stream

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/core"
	"spot-rebalance/internal/exchange/mexc"
)

type State string

const (
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

const (
	defaultInitialWait = time.Second
	// The backoff resets only after the connection stayed up this long;
	// a subscribe that dies right away keeps the growing wait.
	defaultStableAfter = 30 * time.Second
	// Consecutive failed connect attempts before the stream reports
	// degraded instead of connecting.
	degradedFailureLimit = 3
)

// Status is the externally visible health of one managed connection.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	LastMessageAt time.Time `json:"last_message_at"`
	Reconnects    int64     `json:"reconnects"`
	LastError     string    `json:"last_error,omitempty"`
}

// Conn is the slice of the websocket client the supervisor drives. It is an
// interface so tests can script connection failures.
type Conn interface {
	Connect(ctx context.Context, listenKey string) error
	Subscribe(channels ...string) error
	Events() <-chan core.StreamEvent
	Run(ctx context.Context) error
	Close() error
}

// Session supplies the listen key for private connections.
type Session interface {
	EnsureKey(ctx context.Context) (string, error)
	Invalidate()
}

type Handler func(ctx context.Context, event core.StreamEvent)

// Supervisor keeps one logical stream alive: dial, subscribe, consume,
// reconnect with jittered exponential backoff. A quiet-window teardown moves
// the connection through degraded before reconnecting; every transition is
// reported to the status sink.
type Supervisor struct {
	name        string
	channels    []string
	dial        func() Conn
	session     Session
	maxWait     time.Duration
	initialWait time.Duration
	stableAfter time.Duration
	onStatus    func(Status)
	handlers    []Handler
	log         *logrus.Entry

	mu     sync.Mutex
	status Status
}

type Options struct {
	Name     string
	Channels []string
	Dial     func() Conn
	Session  Session
	MaxWait  time.Duration
	OnStatus func(Status)
	Handlers []Handler
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	return &Supervisor{
		name:        opts.Name,
		channels:    opts.Channels,
		dial:        opts.Dial,
		session:     opts.Session,
		maxWait:     opts.MaxWait,
		initialWait: defaultInitialWait,
		stableAfter: defaultStableAfter,
		onStatus:    opts.OnStatus,
		handlers:    opts.Handlers,
		log:         logrus.WithFields(logrus.Fields{"component": "stream", "stream": opts.Name}),
		status:      Status{Name: opts.Name, State: StateClosed},
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) setState(state State, lastErr error) {
	s.mu.Lock()
	s.status.State = state
	if lastErr != nil {
		s.status.LastError = lastErr.Error()
	} else {
		s.status.LastError = ""
	}
	if state == StateConnecting {
		s.status.Reconnects++
	}
	snapshot := s.status
	s.mu.Unlock()
	s.log.WithField("state", string(state)).Info("stream state change")
	if s.onStatus != nil {
		s.onStatus(snapshot)
	}
}

func (s *Supervisor) markMessage(at time.Time) {
	s.mu.Lock()
	s.status.LastMessageAt = at
	s.mu.Unlock()
}

// Run drives the connection until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialWait
	bo.MaxInterval = s.maxWait

	failures := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateClosed, nil)
			return
		}
		s.setState(StateConnecting, nil)
		started := time.Now()
		err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateClosed, nil)
			return
		}
		if time.Since(started) >= s.stableAfter {
			bo.Reset()
		}
		if s.Status().State == StateSubscribed {
			failures = 0
		} else {
			failures++
		}
		if errors.Is(err, mexc.ErrStreamQuiet) || failures >= degradedFailureLimit {
			s.setState(StateDegraded, err)
		}
		if errors.Is(err, core.ErrSessionExpired) && s.session != nil {
			s.session.Invalidate()
		}
		wait := bo.NextBackOff()
		s.log.WithError(err).WithField("wait", wait.String()).Warn("stream down, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.setState(StateClosed, nil)
			return
		}
	}
}

func (s *Supervisor) serveOnce(ctx context.Context) error {
	var listenKey string
	if s.session != nil {
		key, err := s.session.EnsureKey(ctx)
		if err != nil {
			return errors.Wrap(err, "ensure session")
		}
		listenKey = key
	}
	conn := s.dial()
	if err := conn.Connect(ctx, listenKey); err != nil {
		return err
	}
	defer conn.Close()
	if len(s.channels) > 0 {
		if err := conn.Subscribe(s.channels...); err != nil {
			return errors.Wrap(err, "subscribe")
		}
	}
	s.setState(StateSubscribed, nil)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event := <-conn.Events():
				s.markMessage(event.ReceivedAt)
				for _, handler := range s.handlers {
					handler(consumeCtx, event)
				}
			case <-consumeCtx.Done():
				return
			}
		}
	}()
	err := conn.Run(ctx)
	cancel()
	<-done
	return err
}
