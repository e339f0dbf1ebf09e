// internal/api/security_middleware.go
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
)

type contextKey string

// AuthMethodKey holds "api_key", "jwt" or "none" for authenticated requests.
const AuthMethodKey contextKey = "auth_method"

// SecurityMiddleware wraps security-related middleware functions
type SecurityMiddleware struct {
	apiKey    string
	tokenAuth *jwtauth.JWTAuth
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewSecurityMiddleware creates a new security middleware. An empty apiKey
// and a nil tokenAuth disable the corresponding credential.
func NewSecurityMiddleware(apiKey string, tokenAuth *jwtauth.JWTAuth, logger *logging.Logger, m *metrics.Metrics) *SecurityMiddleware {
	return &SecurityMiddleware{
		apiKey:    apiKey,
		tokenAuth: tokenAuth,
		logger:    logger,
		metrics:   m,
	}
}

// Authenticate accepts a matching X-API-Key header or a valid Bearer JWT,
// whichever are configured. With neither configured every request passes.
func (sm *SecurityMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.apiKey == "" && sm.tokenAuth == nil {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AuthMethodKey, "none")))
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" && sm.apiKey != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(sm.apiKey)) == 1 {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AuthMethodKey, "api_key")))
				return
			}
			sm.reject(w, r, "invalid API key")
			return
		}

		if sm.tokenAuth != nil && jwtauth.TokenFromHeader(r) != "" {
			token, err := jwtauth.VerifyRequest(sm.tokenAuth, r, jwtauth.TokenFromHeader)
			if err != nil {
				sm.reject(w, r, "invalid token")
				return
			}
			ctx := jwtauth.NewContext(r.Context(), token, nil)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, AuthMethodKey, "jwt")))
			return
		}

		sm.reject(w, r, "credentials required")
	})
}

func (sm *SecurityMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	sm.logger.WithContext(r.Context()).Warn("Rejected request",
		"reason", reason,
		"remote_addr", r.RemoteAddr,
		"path", r.URL.Path,
	)
	sm.metrics.RecordError("api", errors.APIDomain, errors.APIErrUnauthorized)
	writeError(w, http.StatusUnauthorized, errors.APIErrUnauthorized, "unauthorized")
}

// RateLimiter allows limit requests per client IP in each period. A
// non-positive limit disables it.
func (sm *SecurityMiddleware) RateLimiter(limit int, period time.Duration) func(next http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(limit, period,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			sm.logger.WithContext(r.Context()).Warn("Rate limit exceeded", "remote_addr", r.RemoteAddr)
			sm.metrics.RecordError("api", errors.APIDomain, errors.APIErrRateLimitExceeded)
			writeError(w, http.StatusTooManyRequests, errors.APIErrRateLimitExceeded, "too many requests, please try again later")
		}),
	)
}

// ValidateContentType ensures the request has the correct Content-Type
func (sm *SecurityMiddleware) ValidateContentType(contentType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if !strings.Contains(ct, contentType) {
				sm.logger.WithContext(r.Context()).Warn("Invalid Content-Type",
					"expected", contentType,
					"received", ct,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusUnsupportedMediaType, errors.APIErrBadRequest, "invalid Content-Type")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders adds security-related headers to responses
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: message, Code: code})
}
