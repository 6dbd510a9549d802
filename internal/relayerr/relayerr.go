// Package relayerr provides the relay's standardized error taxonomy.
//
// Every error a middleware or protocol handler produces carries one of
// five wire prefixes (invalid, auth-required, restricted, duplicate,
// notice) that the pipeline embeds verbatim into the human-message of
// an OK/CLOSED/NOTICE reply. An HTTP status code is also attached so
// the same type serves the thin admin HTTP surface.
package relayerr

import (
	"fmt"
	"net/http"
)

// Prefix is a machine-readable wire-protocol error category.
type Prefix string

const (
	Invalid      Prefix = "invalid"
	AuthRequired Prefix = "auth-required"
	Restricted   Prefix = "restricted"
	Duplicate    Prefix = "duplicate"
	Notice       Prefix = "notice"
)

// RelayError is a standardized relay error carrying both a wire prefix
// and an HTTP status (used only by the admin HTTP surface).
type RelayError struct {
	Prefix     Prefix
	Message    string
	Details    string
	StatusCode int
}

func (e *RelayError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Prefix, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Prefix, e.Message)
}

// WireMessage renders the error as the human-message portion of an
// OK/CLOSED reply: "<prefix>: <message>".
func (e *RelayError) WireMessage() string {
	return fmt.Sprintf("%s: %s", e.Prefix, e.Message)
}

func statusFor(p Prefix) int {
	switch p {
	case Invalid:
		return http.StatusBadRequest
	case AuthRequired:
		return http.StatusUnauthorized
	case Restricted:
		return http.StatusForbidden
	case Duplicate:
		return http.StatusConflict
	case Notice:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates a RelayError with the given prefix and message.
func New(prefix Prefix, message string) *RelayError {
	return &RelayError{Prefix: prefix, Message: message, StatusCode: statusFor(prefix)}
}

// Wrap attaches an underlying error as Details.
func Wrap(prefix Prefix, message string, err error) *RelayError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &RelayError{Prefix: prefix, Message: message, Details: details, StatusCode: statusFor(prefix)}
}

// Convenience constructors, one per taxonomy entry.

func InvalidEvent(message string) *RelayError      { return New(Invalid, message) }
func AuthRequiredErr(message string) *RelayError    { return New(AuthRequired, message) }
func RestrictedErr(message string) *RelayError      { return New(Restricted, message) }
func DuplicateErr(message string) *RelayError       { return New(Duplicate, message) }
func NoticeErr(message string) *RelayError          { return New(Notice, message) }

// Internal wraps an unexpected failure; per propagation policy it is
// surfaced to the client as a generic notice while the caller logs the
// full underlying error.
func Internal(err error) *RelayError {
	return Wrap(Notice, "internal error", err)
}

// ErrorResponse is the JSON shape returned by the admin HTTP surface.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ToResponse converts a RelayError to its HTTP JSON response body.
func (e *RelayError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: string(e.Prefix), Message: e.Message, Details: e.Details}
}
