// Package store defines the persistence collaborators the engine delegates
// to: the identity store holding enrolled descriptors and the audit sink.
package store

import (
	"context"
	"time"

	"github.com/example/faceverify/internal/capability"
)

// FaceDescriptor is one enrolled descriptor owned by an identity. It is
// immutable once written; re-enrollment supersedes it rather than editing it.
type FaceDescriptor struct {
	IdentityID string                `json:"identity_id"`
	Vector     capability.Descriptor `json:"vector"`
	ImageRef   string                `json:"image_ref,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}

// IdentityStore persists enrolled descriptors keyed by identity.
type IdentityStore interface {
	// GetDescriptors returns all descriptors enrolled for the identity.
	// An unknown identity yields an empty slice, not an error.
	GetDescriptors(ctx context.Context, identityID string) ([]FaceDescriptor, error)

	// PutDescriptor writes the descriptor as the complete replacement for
	// the identity's stored set.
	PutDescriptor(ctx context.Context, identityID string, descriptor FaceDescriptor) error

	// ClearDescriptors removes all descriptors for the identity.
	ClearDescriptors(ctx context.Context, identityID string) error
}

// SnapshotStore optionally persists the frame an enrollment was taken from.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, identityID string, frame capability.Frame) (string, error)
}

// AuditEvent is one verification or enrollment outcome for the audit trail.
type AuditEvent struct {
	RequestID  string    `json:"request_id"`
	IdentityID string    `json:"identity_id"`
	Kind       string    `json:"kind"`
	IsMatch    bool      `json:"is_match"`
	Confidence float64   `json:"confidence"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditSink records events fire-and-forget. A failing sink must never fail
// the verification or enrollment call that produced the event.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}
