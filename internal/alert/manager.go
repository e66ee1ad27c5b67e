package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the rest of the service sees. A nil *Manager satisfies it
// as a no-op, so callers never guard.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
)

type event struct {
	name   string
	fields map[string]string
}

// Manager delivers important events to the notifier from a bounded queue.
// When the queue is full, events are dropped and counted rather than
// blocking the trading path; drops are reported in periodic summaries.
type Manager struct {
	symbol             string
	notifier           Notifier
	queue              chan event
	stop               chan struct{}
	done               chan struct{}
	dropReportInterval time.Duration
	log                *logrus.Entry

	droppedTotal         atomic.Uint64
	droppedSinceReported atomic.Uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewManager(symbol string, notifier Notifier) *Manager {
	if notifier == nil {
		return nil
	}
	m := &Manager{
		symbol:             symbol,
		notifier:           notifier,
		queue:              make(chan event, defaultQueueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: defaultDropReportInterval,
		log:                logrus.WithField("component", "alert"),
	}
	m.wg.Add(2)
	go m.loop()
	go m.dropReportLoop()
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields)}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- ev:
	default:
		total := m.droppedTotal.Add(1)
		if m.droppedSinceReported.Add(1) == 1 {
			m.log.WithFields(logrus.Fields{
				"event":         name,
				"dropped_total": total,
			}).Warn("alert queue full, dropping")
		}
	}
}

// Close flushes queued events and stops the workers.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := m.droppedSinceReported.Swap(0)
	if dropped == 0 {
		return
	}
	m.log.WithFields(logrus.Fields{
		"dropped":       dropped,
		"dropped_total": m.droppedTotal.Load(),
	}).Warn("alerts dropped since last report")
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.buildMessage(ev)); err != nil {
		m.log.WithError(err).WithField("event", ev.name).Error("alert delivery failed")
	}
}

func (m *Manager) buildMessage(ev event) string {
	lines := []string{
		"[spot-rebalance] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"symbol: " + m.symbol,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
