// Package capture abstracts the video capture surface supplying frames to
// the real-time verification loop.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/example/faceverify/internal/capability"
)

// ErrClosed is returned by Frame after the source has been closed.
var ErrClosed = errors.New("capture source closed")

// Source supplies encoded frames on demand. The real-time loop closes the
// source when it stops.
type Source interface {
	Frame(ctx context.Context) (capability.Frame, error)
	Close() error
}

// StaticSource serves one fixed frame. Useful for demos and tests.
type StaticSource struct {
	mu     sync.Mutex
	frame  capability.Frame
	closed bool
}

// NewStaticSource creates a source that always returns the given frame.
func NewStaticSource(frame capability.Frame) *StaticSource {
	return &StaticSource{frame: frame}
}

// Frame returns the configured frame.
func (s *StaticSource) Frame(ctx context.Context) (capability.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.frame, nil
}

// Close marks the source closed. Safe to call more than once.
func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FuncSource adapts a frame-producing function to the Source interface.
type FuncSource struct {
	FrameFunc func(ctx context.Context) (capability.Frame, error)
	CloseFunc func() error
}

// Frame invokes the wrapped function.
func (f *FuncSource) Frame(ctx context.Context) (capability.Frame, error) {
	return f.FrameFunc(ctx)
}

// Close invokes the wrapped close function if set.
func (f *FuncSource) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}
