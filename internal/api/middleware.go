package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog"
)

// MiddlewareConfig holds API security configuration.
type MiddlewareConfig struct {
	// APIKey is required on mutating requests when set
	APIKey string

	// AllowedOrigins for CORS. Empty allows all.
	AllowedOrigins []string

	// MaxRequestBodySize limits request bodies in bytes. Zero disables the limit.
	MaxRequestBodySize int64
}

// Middleware wraps handlers with CORS, body limits and API key checks.
type Middleware struct {
	config MiddlewareConfig
	logger zerolog.Logger
}

// NewMiddleware creates a middleware.
func NewMiddleware(cfg MiddlewareConfig, logger zerolog.Logger) *Middleware {
	if cfg.MaxRequestBodySize == 0 {
		cfg.MaxRequestBodySize = 64 << 10
	}
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// cors sets CORS headers and reports whether the request was a handled
// preflight.
func (m *Middleware) cors(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowedOrigin = origin
				break
			}
		}
	}
	if allowedOrigin == "" {
		m.logger.Warn().Str("origin", origin).Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// ReadOnly applies CORS only.
func (m *Middleware) ReadOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.cors(w, r) {
			return
		}
		next(w, r)
	}
}

// Secure applies CORS, the body limit and the API key check.
func (m *Middleware) Secure(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.cors(w, r) {
			return
		}

		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}

		if m.config.APIKey != "" {
			apiKey := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(m.config.APIKey)) != 1 {
				m.logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Msg("Authentication failed")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}
