package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/capability"
	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/store"
)

const testJWTSecret = "test-secret"

type stubEngine struct {
	verifyResult *engine.VerificationResult
	enrollResult *store.FaceDescriptor
	enrollErr    error
	lastIdentity string
}

func (s *stubEngine) EnsureReady(ctx context.Context) error { return nil }

func (s *stubEngine) Verify(ctx context.Context, frame capability.Frame, identityID string) *engine.VerificationResult {
	s.lastIdentity = identityID
	if s.verifyResult != nil {
		return s.verifyResult
	}
	return &engine.VerificationResult{}
}

func (s *stubEngine) Enroll(ctx context.Context, frame capability.Frame, identityID string) (*store.FaceDescriptor, error) {
	s.lastIdentity = identityID
	if s.enrollErr != nil {
		return nil, s.enrollErr
	}
	if s.enrollResult != nil {
		return s.enrollResult, nil
	}
	return &store.FaceDescriptor{IdentityID: identityID, CreatedAt: time.Now().UTC()}, nil
}

func (s *stubEngine) MetricsSnapshot() engine.Metrics {
	return engine.Metrics{TotalVerifications: 2, SuccessfulVerifications: 1}
}

func (s *stubEngine) ResetMetrics() {}

func (s *stubEngine) CacheStats() engine.CacheStats {
	return engine.CacheStats{Limit: 100}
}

func newTestRouter(eng VerificationEngine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, eng, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func TestVerifyRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubEngine{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/api/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestVerifyRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubEngine{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/api/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestVerifyRequiresAuth(t *testing.T) {
	router := newTestRouter(&stubEngine{})

	body, contentType := buildMultipartBody(t, "image/png", []byte("img"))
	req := httptest.NewRequest(http.MethodPost, "/api/verify", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestVerifyUsesTokenSubjectAsIdentity(t *testing.T) {
	eng := &stubEngine{verifyResult: &engine.VerificationResult{IsMatch: true, Confidence: 0.92}}
	router := newTestRouter(eng)

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", []byte("img"))

	req := httptest.NewRequest(http.MethodPost, "/api/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if eng.lastIdentity != "user-123" {
		t.Fatalf("expected token subject as identity, got %q", eng.lastIdentity)
	}

	var payload engine.VerificationResult
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if !payload.IsMatch || payload.Confidence != 0.92 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestEnrollMapsOutcomeErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"no face", engine.ErrNoFaceDetected, http.StatusUnprocessableEntity},
		{"multiple faces", engine.ErrMultipleFaces, http.StatusUnprocessableEntity},
		{"not initialized", engine.ErrNotInitialized, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(&stubEngine{enrollErr: tc.err})

			token := buildTestToken(t, "user-123")
			body, contentType := buildMultipartBody(t, "image/jpeg", []byte("img"))

			req := httptest.NewRequest(http.MethodPost, "/api/enroll", body)
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Authorization", "Bearer "+token)

			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(&stubEngine{})

	token := buildTestToken(t, "user-123")
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if rate, ok := payload["success_rate"].(float64); !ok || rate != 0.5 {
		t.Fatalf("expected success_rate 0.5, got %v", payload["success_rate"])
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	router := newTestRouter(&stubEngine{})

	token := buildTestToken(t, "user-123")
	req := httptest.NewRequest(http.MethodGet, "/api/cache/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var stats engine.CacheStats
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if stats.Limit != 100 {
		t.Fatalf("expected cache limit 100, got %d", stats.Limit)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
