/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sipsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError is the base error type for non-2xx collaborator responses.
// Every sub-type embeds it, so errors.As(err, &apiErr) reaches the common
// fields whatever the sub-type.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "404 Not Found").
	Status string

	// Reason is the "error" field of the JSON body, or the trimmed body
	// when it is not JSON.
	Reason string

	// RetryAfter is parsed from the Retry-After header.
	RetryAfter time.Duration

	// Body is the raw response body, kept for debugging.
	Body []byte
}

func (e *APIError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Reason == "" {
		return "sipsdk: " + status
	}
	return "sipsdk: " + status + ": " + e.Reason
}

// BadRequestError is returned for 400: a malformed or incomplete request.
type BadRequestError struct{ *APIError }

func (e *BadRequestError) Unwrap() error { return e.APIError }

// AuthError is returned for 401: the bearer token is missing or invalid.
type AuthError struct{ *APIError }

func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for 403.
type ForbiddenError struct{ *APIError }

func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError is returned for 404.
type NotFoundError struct{ *APIError }

func (e *NotFoundError) Unwrap() error { return e.APIError }

// RateLimitError is returned for 429. RetryAfter says when to come back.
type RateLimitError struct{ *APIError }

func (e *RateLimitError) Unwrap() error { return e.APIError }

// ServerError is returned for every 5xx, including 501 from an endpoint the
// service has not wired yet.
type ServerError struct{ *APIError }

func (e *ServerError) Unwrap() error { return e.APIError }

// errorBody is what the credential service writes on failure.
type errorBody struct {
	Error string `json:"error"`
}

// NewAPIError builds the sub-type matching resp's status code.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header),
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		base.Reason = parsed.Error
	} else if text := strings.TrimSpace(string(body)); len(text) <= 200 {
		base.Reason = text
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &BadRequestError{base}
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{base}
	case resp.StatusCode == http.StatusForbidden:
		return &ForbiddenError{base}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{base}
	case resp.StatusCode >= 500:
		return &ServerError{base}
	default:
		return base
	}
}

// IsBadRequest reports whether err is a 400.
func IsBadRequest(err error) bool {
	var e *BadRequestError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is a 401.
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsForbidden reports whether err is a 403.
func IsForbidden(err error) bool {
	var e *ForbiddenError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a 5xx.
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}
