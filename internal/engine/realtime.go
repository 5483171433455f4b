package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/capture"
)

// RealTimeHandle controls one running real-time verification loop.
type RealTimeHandle struct {
	engine     *Engine
	source     capture.Source
	identityID string
	onResult   func(*VerificationResult)
	interval   time.Duration
	logger     *zap.Logger

	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
	inCallback atomic.Bool
}

// StartRealTime begins periodic verification of frames pulled from source.
// Each completed call's result is delivered to onResult exactly once, always
// from the loop's own goroutine, so there is never more than one outstanding
// verification. The loop owns the source from here on and closes it when it
// stops.
func (e *Engine) StartRealTime(source capture.Source, identityID string, onResult func(*VerificationResult)) *RealTimeHandle {
	h := &RealTimeHandle{
		engine:     e,
		source:     source,
		identityID: identityID,
		onResult:   onResult,
		interval:   e.cfg.RealTimeInterval,
		logger:     e.logger.Named("realtime").With(zap.String("identity_id", identityID)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go h.run()
	return h
}

// StreamRealTime is the channel-based variant: results arrive on the
// returned channel, which is closed when the loop stops. A slow consumer
// drops results rather than stalling the loop.
func (e *Engine) StreamRealTime(source capture.Source, identityID string, buffer int) (*RealTimeHandle, <-chan *VerificationResult) {
	if buffer <= 0 {
		buffer = 1
	}
	results := make(chan *VerificationResult, buffer)
	h := e.StartRealTime(source, identityID, func(r *VerificationResult) {
		select {
		case results <- r:
		default:
		}
	})
	go func() {
		<-h.doneCh
		close(results)
	}()
	return h, results
}

func (h *RealTimeHandle) run() {
	defer close(h.doneCh)
	defer h.source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.stopCh
		cancel()
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			// Verification runs synchronously on this goroutine; a tick
			// arriving while the previous call is still in flight is
			// skipped, not deferred, so the one that buffered during a
			// long call is drained before waiting for the next.
			if !h.tick(ctx) {
				return
			}
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// tick runs one verification and delivers its result. Returns false when
// the loop should exit.
func (h *RealTimeHandle) tick(ctx context.Context) bool {
	frame, err := h.source.Frame(ctx)
	if err != nil {
		select {
		case <-h.stopCh:
			return false
		default:
		}
		h.logger.Warn("frame capture failed", zap.Error(err))
		return true
	}

	result := h.engine.Verify(ctx, frame, h.identityID)

	select {
	case <-h.stopCh:
		// Abandon the in-flight result: nothing is delivered once
		// stop has been requested.
		return false
	default:
	}

	h.inCallback.Store(true)
	h.onResult(result)
	h.inCallback.Store(false)

	if result.Error == ReasonNotInitialized {
		return h.recover(ctx)
	}
	return true
}

// recover waits out the recovery delay and reinitializes the model from
// scratch. A failed tick otherwise degrades to "no result this tick"; only
// a dead model warrants this heavier path.
func (h *RealTimeHandle) recover(ctx context.Context) bool {
	h.logger.Warn("model unavailable, scheduling reinitialization",
		zap.Duration("delay", h.engine.cfg.RecoveryDelay))
	select {
	case <-h.stopCh:
		return false
	case <-time.After(h.engine.cfg.RecoveryDelay):
	}
	if err := h.engine.model.Reinitialize(ctx); err != nil {
		h.logger.Error("model reinitialization failed", zap.Error(err))
	}
	return true
}

// Stop cancels the loop, waits for it to wind down and releases the capture
// source. Idempotent, and safe to call from within the onResult callback:
// in that case it returns immediately and the loop exits right after the
// callback returns, still delivering nothing further.
//
// Like time.Timer.Stop versus a running AfterFunc, Stop cannot tell a
// re-entrant call apart from another goroutine stopping the loop while a
// callback is executing, so it does not wait in either case. Callers on
// other goroutines that must observe the source released wait on Done
// after Stop returns.
func (h *RealTimeHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	if h.inCallback.Load() {
		return
	}
	<-h.doneCh
}

// Done exposes loop completion for callers that stop via callback.
func (h *RealTimeHandle) Done() <-chan struct{} {
	return h.doneCh
}
