// Package engine implements the biometric verification engine: model
// lifecycle management, the single-shot verification and enrollment
// pipelines, descriptor matching, bounded caching, the real-time loop and
// performance metrics.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/capability"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/store"
)

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	// Components are the capability model components loaded on EnsureReady.
	Components []string

	// InitAttempts bounds model load attempts; InitBackoff is the delay
	// schedule between them; InitTimeout caps the whole load including
	// retries.
	InitAttempts int
	InitBackoff  []time.Duration
	InitTimeout  time.Duration

	// DetectTimeout caps one capability invocation. Cooldown is the
	// minimum spacing enforced between successive invocations.
	DetectTimeout time.Duration
	Cooldown      time.Duration

	// InputSize and ScoreThreshold bound the capability invocation.
	InputSize      int
	ScoreThreshold float32

	// MaxDistance and MinConfidence are the independently tuned matching
	// thresholds; both must pass for a match.
	MaxDistance   float64
	MinConfidence float64

	// CacheLimit bounds the descriptor cache; CacheBucket is the time
	// bucket folded into cache keys.
	CacheLimit  int
	CacheBucket time.Duration

	// RealTimeInterval is the period of the real-time loop; RecoveryDelay
	// is how long the loop waits before reinitializing a dead model.
	RealTimeInterval time.Duration
	RecoveryDelay    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Components:       []string{"face_detector", "face_landmarks", "face_recognition"},
		InitAttempts:     3,
		InitBackoff:      []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		InitTimeout:      8 * time.Second,
		DetectTimeout:    5 * time.Second,
		Cooldown:         50 * time.Millisecond,
		InputSize:        320,
		ScoreThreshold:   0.5,
		MaxDistance:      DefaultMaxDistance,
		MinConfidence:    DefaultMinConfidence,
		CacheLimit:       100,
		CacheBucket:      30 * time.Second,
		RealTimeInterval: 5 * time.Second,
		RecoveryDelay:    3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Components) == 0 {
		c.Components = def.Components
	}
	if c.InitAttempts == 0 {
		c.InitAttempts = def.InitAttempts
	}
	if c.InitBackoff == nil {
		c.InitBackoff = def.InitBackoff
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = def.InitTimeout
	}
	if c.DetectTimeout == 0 {
		c.DetectTimeout = def.DetectTimeout
	}
	if c.Cooldown == 0 {
		c.Cooldown = def.Cooldown
	}
	if c.InputSize == 0 {
		c.InputSize = def.InputSize
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = def.ScoreThreshold
	}
	if c.MaxDistance == 0 {
		c.MaxDistance = def.MaxDistance
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = def.MinConfidence
	}
	if c.CacheLimit == 0 {
		c.CacheLimit = def.CacheLimit
	}
	if c.CacheBucket == 0 {
		c.CacheBucket = def.CacheBucket
	}
	if c.RealTimeInterval == 0 {
		c.RealTimeInterval = def.RealTimeInterval
	}
	if c.RecoveryDelay == 0 {
		c.RecoveryDelay = def.RecoveryDelay
	}
	return c
}

// VerificationResult is the outcome of one verification call. Error carries
// an expected-outcome reason (no face, multiple faces, …) or a fault
// description; it is empty for a clean match or a clean non-match.
type VerificationResult struct {
	IsMatch          bool    `json:"is_match"`
	Confidence       float64 `json:"confidence"`
	Distance         float64 `json:"distance,omitempty"`
	Error            string  `json:"error,omitempty"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Engine is the top-level verification engine. One instance per process;
// model state, cache and metrics all hang off it rather than package-level
// globals.
type Engine struct {
	cap       capability.Capability
	store     store.IdentityStore
	snapshots store.SnapshotStore
	audit     store.AuditSink
	logger    *zap.Logger
	cfg       Config

	model   *modelManager
	cache   *descriptorCache
	metrics *metricsTracker

	cooldownMu sync.Mutex
	nextDetect time.Time
}

// New constructs an engine. Snapshot store and audit sink may be nil.
func New(cap capability.Capability, identityStore store.IdentityStore, audit store.AuditSink, logger *zap.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	logger = logger.Named("engine")
	return &Engine{
		cap:     cap,
		store:   identityStore,
		audit:   audit,
		logger:  logger,
		cfg:     cfg,
		model:   newModelManager(cap, logger, cfg),
		cache:   newDescriptorCache(cfg.CacheLimit),
		metrics: newMetricsTracker(),
	}
}

// WithSnapshotStore sets the optional snapshot store used during enrollment.
func (e *Engine) WithSnapshotStore(s store.SnapshotStore) *Engine {
	e.snapshots = s
	return e
}

// EnsureReady lazily initializes the detection capability.
func (e *Engine) EnsureReady(ctx context.Context) error {
	return e.model.EnsureReady(ctx)
}

// Verify runs the single-shot pipeline: readiness, cooldown, frame
// validation, detection, matching against the identity's stored
// descriptors. It always returns a result; faults are reported through the
// result's Error field so the UI layer can render them.
func (e *Engine) Verify(ctx context.Context, frame capability.Frame, identityID string) *VerificationResult {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithIdentity(logging.WithOperation(e.logger, "engine.verify", requestID), identityID)

	result := e.verify(ctx, frame, identityID, opLogger)
	result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	e.metrics.record(result.IsMatch, result.ProcessingTimeMs)
	e.recordAudit(store.AuditEvent{
		RequestID:  requestID,
		IdentityID: identityID,
		Kind:       "verify",
		IsMatch:    result.IsMatch,
		Confidence: result.Confidence,
		Detail:     result.Error,
		CreatedAt:  time.Now().UTC(),
	}, opLogger)
	return result
}

func (e *Engine) verify(ctx context.Context, frame capability.Frame, identityID string, opLogger *zap.Logger) *VerificationResult {
	detection, reason := e.captureSingleDetection(ctx, frame, opLogger)
	if reason != "" {
		return &VerificationResult{Error: reason}
	}

	stored, err := e.storedDescriptors(ctx, identityID)
	if err != nil {
		opLogger.Error("descriptor lookup failed", zap.Error(err))
		return &VerificationResult{Error: fmt.Sprintf("face data lookup failed: %v", err)}
	}
	if len(stored) == 0 {
		return &VerificationResult{Error: ReasonNoStoredData}
	}

	vectors := make([]capability.Descriptor, len(stored))
	for i, d := range stored {
		vectors[i] = d.Vector
	}
	match := Match(detection.Descriptor, vectors, e.cfg.MaxDistance, e.cfg.MinConfidence)

	opLogger.Info("verification completed",
		zap.Bool("is_match", match.IsMatch),
		zap.Float64("distance", match.Distance),
		zap.Float64("confidence", match.Confidence))

	return &VerificationResult{
		IsMatch:    match.IsMatch,
		Confidence: match.Confidence,
		Distance:   match.Distance,
	}
}

// Enroll extracts a descriptor from the frame's sole face and writes it as
// the complete replacement for the identity's stored set.
func (e *Engine) Enroll(ctx context.Context, frame capability.Frame, identityID string) (*store.FaceDescriptor, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithIdentity(logging.WithOperation(e.logger, "engine.enroll", requestID), identityID)

	detection, reason := e.captureSingleDetection(ctx, frame, opLogger)
	if reason != "" {
		return nil, enrollError(reason)
	}

	descriptor := store.FaceDescriptor{
		IdentityID: identityID,
		Vector:     detection.Descriptor,
		CreatedAt:  time.Now().UTC(),
	}

	if e.snapshots != nil {
		ref, err := e.snapshots.SaveSnapshot(ctx, identityID, frame)
		if err != nil {
			opLogger.Warn("snapshot persistence failed", zap.Error(err))
		} else {
			descriptor.ImageRef = ref
		}
	}

	if err := e.store.PutDescriptor(ctx, identityID, descriptor); err != nil {
		return nil, logging.NewOperationError("engine.enroll.put_descriptor", requestID, err)
	}

	opLogger.Info("identity enrolled", zap.Time("created_at", descriptor.CreatedAt))
	e.recordAudit(store.AuditEvent{
		RequestID:  requestID,
		IdentityID: identityID,
		Kind:       "enroll",
		CreatedAt:  time.Now().UTC(),
	}, opLogger)
	return &descriptor, nil
}

func enrollError(reason string) error {
	switch reason {
	case ReasonNotInitialized:
		return ErrNotInitialized
	case ReasonNoFace:
		return ErrNoFaceDetected
	case ReasonMultipleFaces:
		return ErrMultipleFaces
	case ReasonTimeout:
		return ErrDetectTimeout
	}
	if strings.HasPrefix(reason, ReasonInvalidFrame) {
		return ErrInvalidFrame
	}
	return fmt.Errorf("%s", reason)
}

// captureSingleDetection runs pipeline steps shared by verification and
// enrollment: readiness, cooldown, frame validation, detection with one
// local retry, and the exactly-one-face policy. It returns the detection or
// a result reason string.
func (e *Engine) captureSingleDetection(ctx context.Context, frame capability.Frame, opLogger *zap.Logger) (*capability.Detection, string) {
	if err := e.model.EnsureReady(ctx); err != nil {
		opLogger.Warn("model not ready", zap.Error(err))
		return nil, ReasonNotInitialized
	}

	if err := e.waitCooldown(ctx); err != nil {
		return nil, ReasonTimeout
	}

	if err := validateFrame(frame); err != nil {
		return nil, fmt.Sprintf("%s: %v", ReasonInvalidFrame, err)
	}

	detections, err := e.detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil || err == ErrDetectTimeout {
			return nil, ReasonTimeout
		}
		opLogger.Error("detection failed", zap.Error(err))
		return nil, fmt.Sprintf("detection failed: %v", err)
	}

	switch len(detections) {
	case 0:
		return nil, ReasonNoFace
	case 1:
		return &detections[0], ""
	default:
		// Ambiguity is never resolved automatically: verification
		// requires exactly one face in frame.
		opLogger.Warn("multiple faces in frame", zap.Int("count", len(detections)))
		return nil, ReasonMultipleFaces
	}
}

// detect invokes the capability under the detection timeout, retrying the
// whole detection once. When the failure looks like a model fault the model
// is reinitialized from scratch before the retry.
func (e *Engine) detect(ctx context.Context, frame capability.Frame) ([]capability.Detection, error) {
	var detections []capability.Detection
	policy := retryPolicy{
		attempts:     2,
		shouldReinit: isModelFault,
		reinit:       e.model.Reinitialize,
	}
	err := policy.do(ctx, func(ctx context.Context) error {
		out, derr := e.detectOnce(ctx, frame)
		if derr != nil {
			return derr
		}
		detections = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detections, nil
}

// detectOnce races one capability invocation against the detection
// deadline. On expiry the invocation's eventual result is discarded.
func (e *Engine) detectOnce(ctx context.Context, frame capability.Frame) ([]capability.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DetectTimeout)
	defer cancel()

	type outcome struct {
		detections []capability.Detection
		err        error
	}
	ch := make(chan outcome, 1)
	opts := capability.DetectOptions{InputSize: e.cfg.InputSize, ScoreThreshold: e.cfg.ScoreThreshold}
	go func() {
		d, err := e.cap.Detect(ctx, frame, opts)
		ch <- outcome{detections: d, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ErrDetectTimeout
	case out := <-ch:
		return out.detections, out.err
	}
}

// waitCooldown sleeps whatever remains of the minimum inter-call spacing.
// This bounds the capability invocation rate independent of caller
// discipline.
func (e *Engine) waitCooldown(ctx context.Context) error {
	e.cooldownMu.Lock()
	now := time.Now()
	var wait time.Duration
	if now.Before(e.nextDetect) {
		wait = e.nextDetect.Sub(now)
		e.nextDetect = e.nextDetect.Add(e.cfg.Cooldown)
	} else {
		e.nextDetect = now.Add(e.cfg.Cooldown)
	}
	e.cooldownMu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// validateFrame checks the frame decodes to a non-zero-dimension image.
// A bad frame is reported distinctly from "no face".
func validateFrame(frame capability.Frame) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty frame")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("undecodable frame: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("zero dimensions")
	}
	return nil
}

// storedDescriptors fetches the identity's descriptors through the bounded
// cache. Keys fold in a coarse time bucket so entries age out of relevance
// even without eviction.
func (e *Engine) storedDescriptors(ctx context.Context, identityID string) ([]store.FaceDescriptor, error) {
	bucket := time.Now().UnixNano() / int64(e.cfg.CacheBucket)
	key := fmt.Sprintf("%s:%d", identityID, bucket)

	if descriptors, ok := e.cache.get(key); ok {
		e.metrics.cacheHit()
		return descriptors, nil
	}
	e.metrics.cacheMiss()

	descriptors, err := e.store.GetDescriptors(ctx, identityID)
	if err != nil {
		return nil, err
	}
	e.cache.put(key, descriptors)
	return descriptors, nil
}

func (e *Engine) recordAudit(event store.AuditEvent, opLogger *zap.Logger) {
	if e.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.audit.Record(ctx, event); err != nil {
		opLogger.Warn("audit record failed", zap.Error(err))
	}
}

// MetricsSnapshot returns a copy of the current counters.
func (e *Engine) MetricsSnapshot() Metrics {
	return e.metrics.snapshot()
}

// ResetMetrics zeroes all counters.
func (e *Engine) ResetMetrics() {
	e.metrics.reset()
}

// CacheStats reports the descriptor cache state plus hit/miss counters.
func (e *Engine) CacheStats() CacheStats {
	stats := e.cache.stats()
	m := e.metrics.snapshot()
	stats.Hits = m.CacheHits
	stats.Misses = m.CacheMisses
	return stats
}
