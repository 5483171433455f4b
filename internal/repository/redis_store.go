package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/store"
)

const (
	descriptorKeyPrefix = "face:descriptors:"
	auditListKey        = "face:audit"
	auditListLimit      = 10000
)

// RedisStore is a redis-backed identity store and audit sink for
// deployments without postgres. Descriptors persist without expiry; the
// audit trail is a capped list.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore creates a store on top of an existing redis client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.Named("redis_store")}
}

// GetDescriptors returns the identity's enrolled descriptors. A missing
// key yields an empty slice.
func (s *RedisStore) GetDescriptors(ctx context.Context, identityID string) ([]store.FaceDescriptor, error) {
	raw, err := s.client.Get(ctx, descriptorKeyPrefix+identityID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, logging.NewOperationError("redis.get_descriptors", identityID, err)
	}

	var descriptors []store.FaceDescriptor
	if err := json.Unmarshal([]byte(raw), &descriptors); err != nil {
		return nil, logging.NewOperationError("redis.decode_descriptors", identityID, err)
	}
	return descriptors, nil
}

// PutDescriptor replaces the identity's stored set with the descriptor.
func (s *RedisStore) PutDescriptor(ctx context.Context, identityID string, descriptor store.FaceDescriptor) error {
	payload, err := json.Marshal([]store.FaceDescriptor{descriptor})
	if err != nil {
		return logging.NewOperationError("redis.encode_descriptor", identityID, err)
	}
	if err := s.client.Set(ctx, descriptorKeyPrefix+identityID, payload, 0).Err(); err != nil {
		return logging.NewOperationError("redis.put_descriptor", identityID, err)
	}
	return nil
}

// ClearDescriptors removes the identity's descriptors.
func (s *RedisStore) ClearDescriptors(ctx context.Context, identityID string) error {
	if err := s.client.Del(ctx, descriptorKeyPrefix+identityID).Err(); err != nil {
		return logging.NewOperationError("redis.clear_descriptors", identityID, err)
	}
	return nil
}

// Record appends one audit event to the capped audit list.
func (s *RedisStore) Record(ctx context.Context, event store.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return logging.NewOperationError("redis.encode_audit", event.RequestID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, auditListKey, payload)
	pipe.LTrim(ctx, auditListKey, 0, auditListLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return logging.NewOperationError("redis.record_audit", event.RequestID, err)
	}
	return nil
}
