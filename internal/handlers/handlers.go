package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/capability"
	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/store"
)

// MaxUploadSize bounds accepted frame uploads.
const MaxUploadSize = 8 << 20

// VerificationEngine is the engine surface the HTTP facade consumes.
type VerificationEngine interface {
	EnsureReady(ctx context.Context) error
	Verify(ctx context.Context, frame capability.Frame, identityID string) *engine.VerificationResult
	Enroll(ctx context.Context, frame capability.Frame, identityID string) (*store.FaceDescriptor, error)
	MetricsSnapshot() engine.Metrics
	ResetMetrics()
	CacheStats() engine.CacheStats
}

// RegisterRoutes wires the HTTP handlers to the Gin router. The identity a
// request operates on is always the authenticated token subject.
func RegisterRoutes(router *gin.Engine, eng VerificationEngine, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", authMiddleware)

	api.POST("/verify", func(c *gin.Context) {
		identityID, ok := auth.GetIdentityID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
			return
		}

		frame, ok := readFrame(c)
		if !ok {
			return
		}

		result := eng.Verify(c.Request.Context(), frame, identityID)
		c.JSON(http.StatusOK, result)
	})

	api.POST("/enroll", func(c *gin.Context) {
		identityID, ok := auth.GetIdentityID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
			return
		}

		frame, ok := readFrame(c)
		if !ok {
			return
		}

		descriptor, err := eng.Enroll(c.Request.Context(), frame, identityID)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, engine.ErrNoFaceDetected),
				errors.Is(err, engine.ErrMultipleFaces),
				errors.Is(err, engine.ErrInvalidFrame):
				status = http.StatusUnprocessableEntity
			case errors.Is(err, engine.ErrNotInitialized):
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"identity_id": descriptor.IdentityID,
			"image_ref":   descriptor.ImageRef,
			"created_at":  descriptor.CreatedAt,
		})
	})

	api.GET("/metrics", func(c *gin.Context) {
		m := eng.MetricsSnapshot()
		response := gin.H{
			"total_verifications":      m.TotalVerifications,
			"successful_verifications": m.SuccessfulVerifications,
			"average_processing_ms":    m.AverageProcessingMs,
			"cache_hits":               m.CacheHits,
			"cache_misses":             m.CacheMisses,
		}
		if m.TotalVerifications > 0 {
			response["success_rate"] = float64(m.SuccessfulVerifications) / float64(m.TotalVerifications)
		}
		c.JSON(http.StatusOK, response)
	})

	api.POST("/metrics/reset", func(c *gin.Context) {
		eng.ResetMetrics()
		c.JSON(http.StatusOK, gin.H{"status": "reset"})
	})

	api.GET("/cache/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.CacheStats())
	})
}

// readFrame pulls the uploaded image out of the multipart form, enforcing
// size and content-type limits. On failure it writes the error response and
// returns ok=false.
func readFrame(c *gin.Context) (capability.Frame, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}

	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}

	if !supportedImageType(file) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	if len(data) > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}

	return capability.Frame(data), true
}

func supportedImageType(file *multipart.FileHeader) bool {
	contentType := strings.ToLower(file.Header.Get("Content-Type"))
	switch contentType {
	case "image/jpeg", "image/png", "application/octet-stream", "":
		return true
	}
	return false
}
