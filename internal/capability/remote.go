package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/logging"
)

// RemoteDetector implements Capability against a sidecar inference service
// speaking JSON over HTTP.
type RemoteDetector struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu     sync.RWMutex
	loaded map[string]bool
}

// NewRemoteDetector creates a client for the inference service at baseURL.
func NewRemoteDetector(baseURL string, logger *zap.Logger) *RemoteDetector {
	return &RemoteDetector{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("remote_detector"),
		loaded:  make(map[string]bool),
	}
}

type detectRequest struct {
	Image          string  `json:"image"`
	InputSize      int     `json:"input_size,omitempty"`
	ScoreThreshold float32 `json:"score_threshold,omitempty"`
}

type detectResponse struct {
	Detections []Detection `json:"detections"`
	Error      string      `json:"error,omitempty"`
}

// LoadComponent asks the service to load one named model component.
func (r *RemoteDetector) LoadComponent(ctx context.Context, name string) error {
	r.mu.RLock()
	already := r.loaded[name]
	r.mu.RUnlock()
	if already {
		return nil
	}

	url := fmt.Sprintf("%s/models/%s/load", r.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return logging.NewOperationError("capability.load_component", name, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return logging.NewOperationError("capability.load_component", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("model load returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		return logging.NewOperationError("capability.load_component", name, err)
	}

	r.mu.Lock()
	r.loaded[name] = true
	r.mu.Unlock()
	r.logger.Info("model component loaded", zap.String("component", name))
	return nil
}

// IsLoaded reports whether the named component has been loaded.
func (r *RemoteDetector) IsLoaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded[name]
}

// Detect sends the frame to the inference service and decodes its detections.
func (r *RemoteDetector) Detect(ctx context.Context, frame Frame, opts DetectOptions) ([]Detection, error) {
	payload, err := json.Marshal(detectRequest{
		Image:          base64.StdEncoding.EncodeToString(frame),
		InputSize:      opts.InputSize,
		ScoreThreshold: opts.ScoreThreshold,
	})
	if err != nil {
		return nil, logging.NewOperationError("capability.detect", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/detect", bytes.NewReader(payload))
	if err != nil {
		return nil, logging.NewOperationError("capability.detect", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, logging.NewOperationError("capability.detect", "", err)
	}
	defer resp.Body.Close()

	var decoded detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, logging.NewOperationError("capability.detect", "", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("detect returned %d: %s", resp.StatusCode, decoded.Error)
		return nil, logging.NewOperationError("capability.detect", "", err)
	}
	if decoded.Error != "" {
		return nil, logging.NewOperationError("capability.detect", "", fmt.Errorf("%s", decoded.Error))
	}
	return decoded.Detections, nil
}
