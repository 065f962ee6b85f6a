package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Error codes returned in the "code" field of the error envelope.
const (
	codeInvalidToken       = "invalid_token"
	codeTokenExpired       = "token_expired"
	codeInsufficientQuota  = "insufficient_quota"
	codeRateLimited        = "rate_limit_exceeded"
	codeNoAvailableChannel = "no_available_channel"
	codeModelNotFound      = "model_not_found"
	codeInvalidRequest     = "invalid_request"
	codeUpstreamError      = "upstream_error"
	codeInternal           = "internal_error"
)

var errorTypes = map[int]string{
	http.StatusBadRequest:          "invalid_request_error",
	http.StatusUnauthorized:        "authentication_error",
	http.StatusPaymentRequired:     "insufficient_quota",
	http.StatusTooManyRequests:     "rate_limit_error",
	http.StatusServiceUnavailable:  "service_unavailable",
	http.StatusInternalServerError: "server_error",
}

// writeError writes {"error":{"code","message","type"}}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	typ, ok := errorTypes[status]
	if !ok {
		typ = "upstream_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openai.ErrorResponse{Error: &openai.APIError{
		Code:    code,
		Message: message,
		Type:    typ,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
