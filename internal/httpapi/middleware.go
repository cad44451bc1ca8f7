// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type contextKey string

const (
	contextKeyClaims    contextKey = "claims"
	contextKeyRequestID contextKey = "request_id"
)

// AuthMiddleware validates the hand-rolled HMAC JWT carried in the
// Authorization header and attaches its claims to the request context.
func AuthMiddleware(secret string, denyByDefault bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !denyByDefault {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "AUTH_MISSING", "Authorization header required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "Invalid authorization format")
				return
			}

			claims, err := validateJWT(parts[1], secret)
			if err != nil {
				logger.Warn("jwt validation failed", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects non-admin callers. Must run behind AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := r.Context().Value(contextKeyClaims).(*Claims)
		if !claims.IsAdmin() {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware implements a per-caller token bucket, keyed by JWT
// subject when authenticated and by client IP otherwise.
func RateLimitMiddleware(perMinute int, burst int, logger *zap.Logger) func(http.Handler) http.Handler {
	buckets := &sync.Map{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
				key = claims.Subject
			} else {
				key = getClientIP(r)
			}

			val, _ := buckets.LoadOrStore(key, &rateBucket{
				tokens:    float64(burst),
				lastFill:  time.Now(),
				maxTokens: burst,
				fillRate:  float64(perMinute) / 60.0,
			})
			bucket := val.(*rateBucket)

			if !bucket.consume() {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", perMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Minute).Unix()))
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT", "Rate limit exceeded")
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", perMinute))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(bucket.tokens)))
			next.ServeHTTP(w, r)
		})
	}
}

// AuditMiddleware records every mutating call against a job or admin
// resource to the audit log.
func AuditMiddleware(auditLog *AuditLogger, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if !isAuditableOperation(r.Method, r.URL.Path) {
				return
			}

			entry := AuditEntry{
				ID:        generateID(),
				Timestamp: start,
				Action:    fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				Result:    fmt.Sprintf("%d", rw.statusCode),
				IP:        getClientIP(r),
				UserAgent: r.UserAgent(),
			}
			if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
				entry.User = claims.Subject
			}
			if err := auditLog.Log(entry); err != nil {
				logger.Error("failed to write audit log", zap.Error(err))
			}
		})
	}
}

// CORSMiddleware handles preflight and CORS response headers.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, ao := range allowedOrigins {
				if ao == "*" || ao == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware stamps every response with a request id, echoing one
// supplied by the caller when present.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = generateID()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware converts a panic in a handler into a 500 instead of
// crashing the server.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err), zap.String("path", r.URL.Path), zap.String("method", r.Method))
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func validateJWT(tokenString string, secret string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid token format")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	message := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	if !hmac.Equal(sig, h.Sum(nil)) {
		return nil, fmt.Errorf("invalid signature")
	}
	return &claims, nil
}

func isAuditableOperation(method, path string) bool {
	if method != http.MethodDelete && method != http.MethodPost {
		return false
	}
	auditablePrefixes := []string{
		"/v1/jobs",
		"/v1/admin/jobs",
		"/v1/archive/run",
		"/v1/lb/strategy",
	}
	for _, p := range auditablePrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	return r.RemoteAddr
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

type rateBucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
	maxTokens int
	fillRate  float64
}

func (b *rateBucket) consume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = minFloat(float64(b.maxTokens), b.tokens+elapsed*b.fillRate)
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
