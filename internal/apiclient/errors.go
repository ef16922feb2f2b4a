package apiclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed API call.
type Kind string

const (
	// KindAuthRequired is a 401: the view must be abandoned for the login page.
	KindAuthRequired Kind = "auth_required"
	// KindForbidden is a 403: render an access-denied state, no redirect.
	KindForbidden Kind = "forbidden"
	// KindValidation is a 4xx carrying a detail message meant for the user.
	KindValidation Kind = "validation_rejected"
	// KindTransient is a transport failure or 5xx; the next poll retries.
	KindTransient Kind = "transient_network"
	// KindRequestFailed is any other non-2xx.
	KindRequestFailed Kind = "request_failed"
)

// Error is the typed failure returned by every Client call.
type Error struct {
	Kind   Kind
	Method string
	Path   string
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s %s: network error: %v", e.Method, e.Path, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s %s failed: %d: %s", e.Method, e.Path, e.Status, e.Detail)
	default:
		return fmt.Sprintf("%s %s failed: %d", e.Method, e.Path, e.Status)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError checks if the error is an API Error.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the error kind, or "" for non-API errors.
func KindOf(err error) Kind {
	if apiErr, ok := AsError(err); ok {
		return apiErr.Kind
	}
	return ""
}

func IsAuthRequired(err error) bool { return KindOf(err) == KindAuthRequired }

func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// UserMessage renders an error the way a view shows it: validation details
// verbatim, everything else as a short generic line.
func UserMessage(err error) string {
	apiErr, ok := AsError(err)
	if !ok {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	switch apiErr.Kind {
	case KindAuthRequired:
		return "Your session has expired. Please sign in again."
	case KindForbidden:
		return "Access denied."
	case KindValidation:
		return apiErr.Detail
	case KindTransient:
		return "Something went wrong. Please try again."
	default:
		return fmt.Sprintf("Request to %s failed (%d).", apiErr.Path, apiErr.Status)
	}
}
