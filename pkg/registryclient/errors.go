// SPDX-License-Identifier: MPL-2.0

package registryclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/apex-lang/apex/pkg/registryapi"
)

var (
	// ErrAuthRequired is the sentinel error wrapped by AuthRequiredError.
	ErrAuthRequired = errors.New("authentication required")
	// ErrRegistry is the sentinel error wrapped by RegistryError.
	ErrRegistry = errors.New("registry error")
)

type (
	// AuthRequiredError is returned for 401 and 403 responses.
	AuthRequiredError struct {
		Status  int
		Message string
	}

	// RegistryError is returned for every other non-2xx response.
	RegistryError struct {
		Status int
		// Body is the raw response body.
		Body string
		// Message is the "error" field of a JSON error body, if any.
		Message string
	}
)

// Error implements the error interface.
func (e *AuthRequiredError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("authentication required (%d %s): run `apex login` first", e.Status, msg)
}

// Unwrap returns ErrAuthRequired so callers can use errors.Is for programmatic detection.
func (e *AuthRequiredError) Unwrap() error { return ErrAuthRequired }

// Error implements the error interface.
func (e *RegistryError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("registry returned %d: %s", e.Status, msg)
}

// Unwrap returns ErrRegistry so callers can use errors.Is for programmatic detection.
func (e *RegistryError) Unwrap() error { return ErrRegistry }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return regErr.Status
	}
	var authErr *AuthRequiredError
	if errors.As(err, &authErr) {
		return authErr.Status
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the registry.
func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }

// IsConflict reports whether err is a 409 from the registry.
func IsConflict(err error) bool { return StatusOf(err) == http.StatusConflict }

func responseError(status int, body []byte) error {
	var payload registryapi.ErrorResponse
	_ = json.Unmarshal(body, &payload)

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthRequiredError{Status: status, Message: payload.Error}
	}
	return &RegistryError{Status: status, Body: string(body), Message: payload.Error}
}
