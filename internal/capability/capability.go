// Package capability defines the face detection and description capability
// the engine is built around, together with its concrete adapters. The
// engine never talks to a detector directly; it only sees this interface,
// which keeps inference backends swappable and makes test doubles trivial.
package capability

import "context"

// DescriptorLength is the dimensionality of a face descriptor.
const DescriptorLength = 128

// Descriptor is a fixed-length feature vector describing one face.
type Descriptor [DescriptorLength]float32

// Frame is an encoded image (JPEG or PNG bytes) as supplied by a capture
// surface or an upload.
type Frame []byte

// Box is a face bounding region within a frame.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Point is a single facial landmark coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Detection is one face located within a single frame. It only lives for
// the duration of a pipeline invocation and is never persisted as-is.
type Detection struct {
	Box        Box        `json:"box"`
	Landmarks  []Point    `json:"landmarks,omitempty"`
	Score      float32    `json:"score"`
	Descriptor Descriptor `json:"descriptor"`
}

// DetectOptions bounds a single detector invocation.
type DetectOptions struct {
	InputSize      int     `json:"input_size"`
	ScoreThreshold float32 `json:"score_threshold"`
}

// Capability is the pluggable detection-and-description backend.
type Capability interface {
	// LoadComponent initializes one named model component. Loading is
	// incremental: a component reported loaded by IsLoaded must not be
	// reloaded on a later call.
	LoadComponent(ctx context.Context, name string) error

	// IsLoaded reports whether a named component has been initialized.
	IsLoaded(name string) bool

	// Detect locates faces in a frame and computes their descriptors.
	Detect(ctx context.Context, frame Frame, opts DetectOptions) ([]Detection, error)
}
