package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindMissingCredential
	KindMissingModel
	KindInvalidEndpoint
	KindDiscoveryFailed
	KindMalformedResponse
	KindRequestFailed
	KindRateLimited
	KindParseFailed
)

func (k Kind) String() string {
	switch k {
	case KindMissingCredential:
		return "missing_credential"
	case KindMissingModel:
		return "missing_model"
	case KindInvalidEndpoint:
		return "invalid_endpoint"
	case KindDiscoveryFailed:
		return "discovery_failed"
	case KindMalformedResponse:
		return "malformed_response"
	case KindRequestFailed:
		return "request_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindParseFailed:
		return "response_parse_failed"
	default:
		return "unknown"
	}
}

// Error is the single typed failure every provider operation returns. Status
// is the HTTP status for remote rejections, zero for local failures.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf unwraps err to its provider error kind. KindUnknown when err is not
// a provider error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// ChatStatusError classifies a non-2xx chat response. 429 is distinguished so
// callers can show rate-limit copy. A provider-supplied error message is
// surfaced verbatim when present.
func ChatStatusError(status int, body []byte) *Error {
	kind := KindRequestFailed
	if status == http.StatusTooManyRequests {
		kind = KindRateLimited
	}
	msg := apiErrorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", status)
	}
	return &Error{Kind: kind, Status: status, Message: msg}
}

// DiscoveryStatusError classifies a non-2xx model listing response.
func DiscoveryStatusError(status int, body []byte) *Error {
	msg := apiErrorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("discovery failed with status %d", status)
	}
	return &Error{Kind: KindDiscoveryFailed, Status: status, Message: msg}
}

// apiErrorMessage extracts {"error":{"message":...}} from an error body, the
// shape all supported providers share.
func apiErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Error.Message)
}
