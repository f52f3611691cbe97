package provider

import (
	"errors"
	"strings"

	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"
)

// IsQuotaError reports whether an upstream error is a quota/rate-limit
// signal. Only these may take a key out of rotation; network failures,
// malformed requests and other transient errors must never be classified as
// quota, otherwise a healthy key gets benched for an hour over a hiccup.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var gerr *genai.APIError
	if errors.As(err, &gerr) {
		if gerr.Code == 429 {
			return true
		}
		if strings.EqualFold(gerr.Status, "RESOURCE_EXHAUSTED") {
			return true
		}
	}

	var oerr *openai.Error
	if errors.As(err, &oerr) && oerr.StatusCode == 429 {
		return true
	}

	// Some backends surface quota errors as plain wrapped strings.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit")
}
