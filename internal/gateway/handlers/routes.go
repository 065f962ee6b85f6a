package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/breaker"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/passthrough"
)

// NewRouter mounts the gateway routes. requestTimeout bounds each buffered
// relay request; streams run until the upstream or the client ends them.
func NewRouter(chat *ChatHandler, mw *Middleware, b *breaker.Breaker, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/internal/breaker", BreakerStatus(b))

	r.Group(func(r chi.Router) {
		r.Use(mw.AuthMiddleware)
		r.Use(mw.RateLimitMiddleware)
		if requestTimeout > 0 {
			r.Use(bufferedTimeout(requestTimeout))
		}

		r.Post("/v1/chat/completions", chat.HandleChatCompletion)
		r.Post("/v1beta/models/*", chat.HandleGeminiNative)
		r.Post("/v1/models/*", chat.HandleGeminiNative)
	})

	return r
}

// bufferedTimeout applies chi's Timeout to every request that is not a
// stream. A request streams when its Gemini path names streamGenerateContent
// or its body sets "stream": true. The body is read once and replayed.
func bufferedTimeout(d time.Duration) func(http.Handler) http.Handler {
	timeout := chimiddleware.Timeout(d)
	return func(next http.Handler) http.Handler {
		limited := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if passthrough.IsStreamPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidRequest, "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(raw))

			var peek struct {
				Stream bool `json:"stream"`
			}
			if json.Unmarshal(raw, &peek) == nil && peek.Stream {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}
