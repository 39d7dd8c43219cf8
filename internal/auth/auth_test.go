package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"InheritChain/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewarePassThroughWithoutKeys(t *testing.T) {
	svc := NewService(config.AuthConfig{})
	if svc.Enabled() {
		t.Fatal("service without keys must be disabled")
	}

	rec := httptest.NewRecorder()
	svc.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	svc := NewService(config.AuthConfig{APIKeys: []config.APIKey{{Name: "ci", Key: "sekrit"}}})

	rec := httptest.NewRecorder()
	svc.Middleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	req.Header.Set("X-API-Key", "wrong")
	svc.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAcceptsConfiguredKey(t *testing.T) {
	svc := NewService(config.AuthConfig{APIKeys: []config.APIKey{{Name: "ci", Key: "sekrit"}}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	req.Header.Set("X-API-Key", "sekrit")
	svc.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with header key = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	svc.Middleware(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with bearer key = %d, want 200", rec.Code)
	}
}
