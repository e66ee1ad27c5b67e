package mexc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// listenKeyAPI is the slice of the client the session manager needs.
type listenKeyAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// SessionManager owns the listen key for the private stream. It renews at
// half the validity window so one failed renewal still leaves time for a
// second try before the key lapses.
type SessionManager struct {
	api         listenKeyAPI
	validity    time.Duration
	closeOnExit bool
	onExpired   func(err error)
	log         *logrus.Entry

	mu  sync.Mutex
	key string
}

func NewSessionManager(api listenKeyAPI, validity time.Duration, closeOnExit bool, onExpired func(error)) *SessionManager {
	if validity <= 0 {
		validity = time.Hour
	}
	return &SessionManager{
		api:         api,
		validity:    validity,
		closeOnExit: closeOnExit,
		onExpired:   onExpired,
		log:         logrus.WithField("component", "session"),
	}
}

// EnsureKey returns the current listen key, creating one if none is held.
func (m *SessionManager) EnsureKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.key != "" {
		key := m.key
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	key, err := m.api.CreateListenKey(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
	m.log.Info("listen key created")
	return key, nil
}

// Invalidate drops the held key so the next EnsureKey creates a fresh one.
// Called when the exchange reports the key is no longer valid.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.key = ""
	m.mu.Unlock()
}

// Run renews the key every validity/2 until ctx is cancelled. A failed
// renewal is retried once immediately; a second failure invalidates the
// session and notifies the expiry callback.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.validity / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.renew(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *SessionManager) renew(ctx context.Context) {
	m.mu.Lock()
	key := m.key
	m.mu.Unlock()
	if key == "" {
		return
	}
	err := m.api.KeepAliveListenKey(ctx, key)
	if err == nil {
		m.log.Debug("listen key renewed")
		return
	}
	m.log.WithError(err).Warn("listen key renewal failed, retrying")
	if err = m.api.KeepAliveListenKey(ctx, key); err == nil {
		m.log.Info("listen key renewed on retry")
		return
	}
	m.log.WithError(err).Error("listen key renewal failed twice, session expired")
	m.Invalidate()
	if m.onExpired != nil {
		m.onExpired(err)
	}
}

// Close releases the key on graceful shutdown only. Crash paths leave the
// key to expire on its own so a restarted process can decide what to do.
func (m *SessionManager) Close(ctx context.Context) error {
	if !m.closeOnExit {
		return nil
	}
	m.mu.Lock()
	key := m.key
	m.key = ""
	m.mu.Unlock()
	if key == "" {
		return nil
	}
	return m.api.CloseListenKey(ctx, key)
}
