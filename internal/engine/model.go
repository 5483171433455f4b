package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/capability"
)

// modelManager owns the lazy, retried initialization of the detection
// capability. Concurrent callers of EnsureReady are coalesced onto one
// in-flight attempt; components that loaded successfully are not reloaded
// when a later attempt retries after a partial failure.
type modelManager struct {
	cap        capability.Capability
	logger     *zap.Logger
	components []string
	attempts   int
	backoff    []time.Duration
	timeout    time.Duration

	mu          sync.Mutex
	ready       bool
	loaded      map[string]bool
	inflight    chan struct{}
	lastErr     error
	lastAttempt time.Time
}

func newModelManager(cap capability.Capability, logger *zap.Logger, cfg Config) *modelManager {
	return &modelManager{
		cap:        cap,
		logger:     logger.Named("model"),
		components: cfg.Components,
		attempts:   cfg.InitAttempts,
		backoff:    cfg.InitBackoff,
		timeout:    cfg.InitTimeout,
		loaded:     make(map[string]bool),
	}
}

// EnsureReady returns nil once every model component is loaded. If an
// attempt is already in flight the caller waits for its outcome instead of
// starting a duplicate load. A failed attempt is not sticky: the next call
// starts over.
func (m *modelManager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	if m.ready {
		m.mu.Unlock()
		return nil
	}
	if ch := m.inflight; ch != nil {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		m.mu.Lock()
		ready, err := m.ready, m.lastErr
		m.mu.Unlock()
		if ready {
			return nil
		}
		return err
	}

	ch := make(chan struct{})
	m.inflight = ch
	m.lastAttempt = time.Now()
	m.mu.Unlock()

	err := m.load(ctx)

	m.mu.Lock()
	if err == nil {
		m.ready = true
	}
	m.lastErr = err
	m.inflight = nil
	close(ch)
	m.mu.Unlock()
	return err
}

// load runs the bounded retry loop under the overall init timeout.
func (m *modelManager) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	policy := retryPolicy{attempts: m.attempts, backoff: m.backoff}
	err := policy.do(ctx, m.loadComponents)
	if err == nil {
		m.logger.Info("model ready", zap.Strings("components", m.components))
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.logger.Error("model initialization timed out", zap.Duration("timeout", m.timeout))
		return fmt.Errorf("%w: %v", ErrInitTimeout, err)
	}
	if ctx.Err() != nil {
		return err
	}
	m.logger.Error("model initialization exhausted retries",
		zap.Int("attempts", m.attempts), zap.Error(err))
	return fmt.Errorf("%w: %v", ErrInitExhausted, err)
}

// loadComponents loads every component that is not yet marked loaded.
func (m *modelManager) loadComponents(ctx context.Context) error {
	for _, name := range m.components {
		m.mu.Lock()
		done := m.loaded[name]
		m.mu.Unlock()
		if done {
			continue
		}

		if err := m.cap.LoadComponent(ctx, name); err != nil {
			m.logger.Warn("component load failed", zap.String("component", name), zap.Error(err))
			return &ComponentLoadError{Component: name, Err: err}
		}

		m.mu.Lock()
		m.loaded[name] = true
		m.mu.Unlock()
		m.logger.Info("component loaded", zap.String("component", name))
	}
	return nil
}

// Ready reports whether all components are loaded.
func (m *modelManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Reset discards all load state so the next EnsureReady starts from scratch.
// Used by the detection layer and the real-time loop for full recovery.
func (m *modelManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	m.loaded = make(map[string]bool)
	m.lastErr = nil
}

// Reinitialize resets and immediately attempts a fresh load.
func (m *modelManager) Reinitialize(ctx context.Context) error {
	m.Reset()
	return m.EnsureReady(ctx)
}
