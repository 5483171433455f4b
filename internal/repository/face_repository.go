package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceverify/internal/capability"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/store"
)

// FaceRecord is a persisted enrolled descriptor. One row per identity: an
// identity holds at most one descriptor at a time and re-enrollment replaces
// the row.
type FaceRecord struct {
	ID         uint      `gorm:"primaryKey"`
	IdentityID string    `gorm:"column:identity_id;uniqueIndex;size:64"`
	Descriptor string    `gorm:"column:descriptor;type:text"`
	ImageRef   string    `gorm:"column:image_ref;size:128"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (FaceRecord) TableName() string {
	return "face_descriptors"
}

// AuditRecord is one persisted verification or enrollment event.
type AuditRecord struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;index;size:64"`
	IdentityID string    `gorm:"column:identity_id;index;size:64"`
	Kind       string    `gorm:"column:kind;size:16"`
	IsMatch    bool      `gorm:"column:is_match"`
	Confidence float64   `gorm:"column:confidence"`
	Detail     string    `gorm:"column:detail;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AuditRecord) TableName() string {
	return "verification_audit"
}

// SnapshotRecord stores the enrollment frame bytes.
type SnapshotRecord struct {
	ID         uint      `gorm:"primaryKey"`
	IdentityID string    `gorm:"column:identity_id;index;size:64"`
	Data       []byte    `gorm:"column:data"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SnapshotRecord) TableName() string {
	return "enrollment_snapshots"
}

// FaceRepository is the postgres-backed identity store, audit sink and
// snapshot store.
type FaceRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFaceRepository creates a new repository instance.
func NewFaceRepository(db *gorm.DB, logger *zap.Logger) *FaceRepository {
	return &FaceRepository{
		db:             db,
		logger:         logger.Named("face_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *FaceRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&FaceRecord{}, &AuditRecord{}, &SnapshotRecord{})
}

// GetDescriptors returns the identity's enrolled descriptors. An unknown
// identity yields an empty slice.
func (r *FaceRepository) GetDescriptors(ctx context.Context, identityID string) ([]store.FaceDescriptor, error) {
	var records []FaceRecord
	err := r.executeWithRetry(ctx, "repository.get_descriptors", identityID, func() error {
		return r.db.WithContext(ctx).Where("identity_id = ?", identityID).Find(&records).Error
	})
	if err != nil {
		return nil, err
	}

	descriptors := make([]store.FaceDescriptor, 0, len(records))
	for _, rec := range records {
		vector, err := decodeVector(rec.Descriptor)
		if err != nil {
			return nil, logging.NewOperationError("repository.decode_descriptor", identityID, err)
		}
		descriptors = append(descriptors, store.FaceDescriptor{
			IdentityID: rec.IdentityID,
			Vector:     vector,
			ImageRef:   rec.ImageRef,
			CreatedAt:  rec.CreatedAt,
		})
	}
	return descriptors, nil
}

// PutDescriptor replaces the identity's stored descriptor set with the
// given descriptor.
func (r *FaceRepository) PutDescriptor(ctx context.Context, identityID string, descriptor store.FaceDescriptor) error {
	encoded, err := encodeVector(descriptor.Vector)
	if err != nil {
		return logging.NewOperationError("repository.encode_descriptor", identityID, err)
	}
	record := FaceRecord{
		IdentityID: identityID,
		Descriptor: encoded,
		ImageRef:   descriptor.ImageRef,
		CreatedAt:  descriptor.CreatedAt,
	}
	return r.executeWithRetry(ctx, "repository.put_descriptor", identityID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("identity_id = ?", identityID).Delete(&FaceRecord{}).Error; err != nil {
				return err
			}
			return tx.Create(&record).Error
		})
	})
}

// ClearDescriptors removes every descriptor for the identity.
func (r *FaceRepository) ClearDescriptors(ctx context.Context, identityID string) error {
	return r.executeWithRetry(ctx, "repository.clear_descriptors", identityID, func() error {
		return r.db.WithContext(ctx).Where("identity_id = ?", identityID).Delete(&FaceRecord{}).Error
	})
}

// Record persists one audit event.
func (r *FaceRepository) Record(ctx context.Context, event store.AuditEvent) error {
	record := AuditRecord{
		RequestID:  event.RequestID,
		IdentityID: event.IdentityID,
		Kind:       event.Kind,
		IsMatch:    event.IsMatch,
		Confidence: event.Confidence,
		Detail:     event.Detail,
		CreatedAt:  event.CreatedAt,
	}
	return r.executeWithRetry(ctx, "repository.record_audit", event.RequestID, func() error {
		return r.db.WithContext(ctx).Create(&record).Error
	})
}

// SaveSnapshot stores the enrollment frame and returns a reference to it.
func (r *FaceRepository) SaveSnapshot(ctx context.Context, identityID string, frame capability.Frame) (string, error) {
	record := SnapshotRecord{
		IdentityID: identityID,
		Data:       frame,
		CreatedAt:  time.Now().UTC(),
	}
	err := r.executeWithRetry(ctx, "repository.save_snapshot", identityID, func() error {
		return r.db.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("snapshot:%d", record.ID), nil
}

func (r *FaceRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

func encodeVector(vector capability.Descriptor) (string, error) {
	data, err := json.Marshal(vector[:])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeVector(encoded string) (capability.Descriptor, error) {
	var values []float32
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return capability.Descriptor{}, err
	}
	if len(values) != capability.DescriptorLength {
		return capability.Descriptor{}, fmt.Errorf("descriptor has %d values, want %d", len(values), capability.DescriptorLength)
	}
	var vector capability.Descriptor
	copy(vector[:], values)
	return vector, nil
}
