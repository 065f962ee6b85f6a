package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

type ctxKey int

const tokenKey ctxKey = iota

// TokenFromContext returns the token stored by AuthMiddleware.
func TokenFromContext(ctx context.Context) (*models.Token, bool) {
	t, ok := ctx.Value(tokenKey).(*models.Token)
	return t, ok
}

// TokenStore looks up API tokens.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (*models.Token, error)
}

// RateLimiter counts requests per token; *redis.Client satisfies it.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, tokenID int64, limit int, window time.Duration) (redis.RateDecision, error)
}

type Middleware struct {
	tokens       TokenStore
	limiter      RateLimiter
	defaultLimit int
	now          func() time.Time
}

// NewMiddleware creates the auth, rate-limit and CORS middleware. limiter
// may be nil to disable rate limiting.
func NewMiddleware(tokens TokenStore, limiter RateLimiter, defaultLimit int) *Middleware {
	return &Middleware{
		tokens:       tokens,
		limiter:      limiter,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// bearerToken reads the token from the Authorization header, or from the
// x-goog-api-key header or key query parameter Gemini-native clients send.
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k, true
	}
	if k := r.URL.Query().Get("key"); k != "" {
		return k, true
	}
	return "", false
}

// AuthMiddleware validates API tokens
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "missing or malformed authorization header")
			return
		}

		token, err := m.tokens.GetToken(r.Context(), key)
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "invalid API token")
			return
		}
		if err != nil {
			log.Printf("auth: token lookup failed: %v", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "token lookup failed")
			return
		}

		switch {
		case token.Status != models.StatusEnabled:
			writeError(w, http.StatusUnauthorized, codeInvalidToken, "API token is disabled")
			return
		case token.Expired(m.now().Unix()):
			writeError(w, http.StatusUnauthorized, codeTokenExpired, "API token has expired")
			return
		case token.Exhausted():
			writeError(w, http.StatusPaymentRequired, codeInsufficientQuota, "API token quota is exhausted")
			return
		}

		ctx := context.WithValue(r.Context(), tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimitMiddleware enforces per-token limits. Limiter errors let the
// request through.
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		if !ok || m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit := token.RateLimit
		if limit <= 0 {
			limit = m.defaultLimit
		}
		if limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := m.limiter.CheckRateLimit(r.Context(), token.ID, limit, time.Minute)
		if err != nil {
			log.Printf("ratelimit: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			secs := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-goog-api-key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
