package handlers

import (
	"net/http"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/breaker"
)

// BreakerStatus serves the circuit state of every tracked channel, plus
// every blocked model under a "channel/model" key.
func BreakerStatus(b *breaker.Breaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := b.Status()
		for k, v := range b.ModelStatus() {
			out[k] = v
		}
		writeJSON(w, http.StatusOK, out)
	}
}
