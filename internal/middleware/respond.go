// Package middleware содержит HTTP middleware сервиса заданий.
package middleware

import (
	"encoding/json"
	"net/http"
)

// Причины отказа в теле ошибки.
const (
	ReasonOriginRejected      = "origin_rejected"
	ReasonRateLimited         = "rate_limited"
	ReasonInsufficientCredit  = "insufficient_credit"
	ReasonJobNotFound         = "job_not_found"
	ReasonProviderUnreachable = "provider_unreachable"
	ReasonProviderMapping     = "provider_mapping"
	ReasonInvalidRequest      = "invalid_request"
	ReasonUnauthorized        = "unauthorized"
	ReasonInternal            = "internal"
	ReasonUnavailable         = "unavailable"
)

// ErrorBody описывает тело ответа с ошибкой.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteError пишет JSON-ответ с причиной отказа.
func WriteError(w http.ResponseWriter, status int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: reason, Message: message})
}
