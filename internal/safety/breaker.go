package safety

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/alert"
)

// ErrCircuitOpen marks runs refused because order placement keeps failing.
var ErrCircuitOpen = errors.New("order circuit open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

// Breaker is a kill switch for the order path. Consecutive placement
// failures open the circuit; while open, tasks skip execution instead of
// hammering the exchange. After the cooldown a single probe order is let
// through, and its outcome decides between closing and re-opening.
type Breaker struct {
	enabled     bool
	maxFailures int
	cooldown    time.Duration
	log         *logrus.Entry

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time
	openErr  error
	alerter  alert.Alerter
}

func NewBreaker(enabled bool, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{
		enabled:     enabled,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       circuitClosed,
		log:         logrus.WithField("component", "safety"),
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// Allow reports whether an order may be placed now. A nil or disabled
// breaker always allows.
func (b *Breaker) Allow() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen {
		return nil
	}
	if time.Since(b.openedAt) < b.cooldown {
		if b.openErr != nil {
			return errors.Wrap(ErrCircuitOpen, b.openErr.Error())
		}
		return ErrCircuitOpen
	}
	b.state = circuitHalfOpen
	b.log.WithField("cooldown_sec", int64(b.cooldown/time.Second)).Info("order circuit half open, probing")
	return nil
}

// Record feeds an order placement outcome into the circuit. It returns
// ErrCircuitOpen when this outcome tripped it.
func (b *Breaker) Record(err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if err == nil {
		recovered := b.state == circuitHalfOpen || b.failures > 0
		b.state = circuitClosed
		b.failures = 0
		b.openErr = nil
		b.openedAt = time.Time{}
		b.mu.Unlock()
		if recovered {
			b.log.Info("order circuit closed")
		}
		return nil
	}

	b.failures++
	tripped := b.state == circuitHalfOpen || b.failures >= b.maxFailures
	if tripped {
		b.state = circuitOpen
		b.openedAt = time.Now().UTC()
		b.openErr = err
	}
	failures := b.failures
	alerter := b.alerter
	b.mu.Unlock()

	if !tripped {
		return nil
	}
	b.log.WithError(err).WithField("consecutive_failures", failures).Error("order circuit opened")
	if alerter != nil {
		alerter.Important("order_circuit_open", map[string]string{
			"consecutive_failures": strconv.Itoa(failures),
			"cooldown_sec":         strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return errors.Wrap(ErrCircuitOpen, err.Error())
}

// CooldownRemaining is exposed for status reporting.
func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen {
		return 0
	}
	elapsed := time.Since(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}
