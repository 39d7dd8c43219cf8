// Package auth guards the HTTP surface with static API keys. Every denial
// and every accepted request lands in the audit log.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"InheritChain/internal/config"
	"InheritChain/pkg/logger"
)

// Service authenticates requests against the configured API keys. With no
// keys configured the middleware passes everything through.
type Service struct {
	keys  map[string]string
	audit *slog.Logger
}

// NewService builds the authenticator from configuration.
func NewService(cfg config.AuthConfig) *Service {
	keys := make(map[string]string, len(cfg.APIKeys))
	for _, entry := range cfg.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "unnamed"
		}
		keys[key] = name
	}
	return &Service{keys: keys, audit: logger.Audit()}
}

// Enabled reports whether any key is configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Middleware authenticates the request and records it in the audit log.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		caller, ok := s.authenticate(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			s.audit.Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("remote", r.RemoteAddr),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		s.audit.Info("api_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", aw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("caller", caller),
		)
	})
}

func (s *Service) authenticate(r *http.Request) (string, bool) {
	presented := r.Header.Get("X-API-Key")
	if presented == "" {
		value := r.Header.Get("Authorization")
		presented = strings.TrimPrefix(value, "Bearer ")
		if presented == value {
			presented = ""
		}
	}
	if presented == "" {
		return "", false
	}
	for key, name := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return name, true
		}
	}
	return "", false
}

// auditWriter captures the response status for the audit record.
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
