package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"
)

// ErrModelNotLoaded is returned by Detect when no model has been initialized.
var ErrModelNotLoaded = errors.New("model not loaded")

// DlibDetector implements Capability on top of dlib via go-face. All model
// components live in one data directory; the recognizer is created on the
// first LoadComponent call and later calls only mark additional components.
type DlibDetector struct {
	modelDir string
	logger   *zap.Logger

	mu     sync.RWMutex
	rec    *face.Recognizer
	loaded map[string]bool
}

// NewDlibDetector creates a detector reading model files from modelDir.
func NewDlibDetector(modelDir string, logger *zap.Logger) *DlibDetector {
	return &DlibDetector{
		modelDir: modelDir,
		logger:   logger.Named("dlib_detector"),
		loaded:   make(map[string]bool),
	}
}

// LoadComponent initializes the dlib recognizer if needed and marks the
// component as loaded.
func (d *DlibDetector) LoadComponent(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded[name] {
		return nil
	}
	if d.rec == nil {
		rec, err := face.NewRecognizer(d.modelDir)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		d.rec = rec
		d.logger.Info("dlib recognizer initialized", zap.String("model_dir", d.modelDir))
	}
	d.loaded[name] = true
	return nil
}

// IsLoaded reports whether the named component has been initialized.
func (d *DlibDetector) IsLoaded(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded[name]
}

// Detect runs dlib face detection and description on the frame. The dlib
// pipeline does not expose a per-face score, so detections carry a score
// of 1 and the threshold in opts is not applied here.
func (d *DlibDetector) Detect(ctx context.Context, frame Frame, opts DetectOptions) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	rec := d.rec
	d.mu.RUnlock()
	if rec == nil {
		return nil, ErrModelNotLoaded
	}

	faces, err := rec.Recognize([]byte(frame))
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}

	detections := make([]Detection, 0, len(faces))
	for _, f := range faces {
		det := Detection{
			Box: Box{
				X:      f.Rectangle.Min.X,
				Y:      f.Rectangle.Min.Y,
				Width:  f.Rectangle.Dx(),
				Height: f.Rectangle.Dy(),
			},
			Score:      1,
			Descriptor: Descriptor(f.Descriptor),
		}
		for _, p := range f.Shapes {
			det.Landmarks = append(det.Landmarks, Point{X: p.X, Y: p.Y})
		}
		detections = append(detections, det)
	}
	return detections, nil
}

// Close releases the underlying dlib handle.
func (d *DlibDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
	d.loaded = make(map[string]bool)
}
