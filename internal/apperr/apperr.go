// Package apperr holds the business-rule error taxonomy shared by the
// services and the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error code sent to clients.
type Kind string

const (
	InvalidInput           Kind = "invalid_input"
	InvalidURL             Kind = "invalid_url"
	MissingCredential      Kind = "missing_credential"
	InvalidLicense         Kind = "invalid_license"
	LicenseInactive        Kind = "license_inactive"
	LicenseExpired         Kind = "license_expired"
	ActivationLimitReached Kind = "activation_limit_reached"
	CooldownActive         Kind = "cooldown_active"
	InsufficientCredits    Kind = "insufficient_credits"
	PaymentRequired        Kind = "payment_required"
	NotFound               Kind = "not_found"
	PlanNotFound           Kind = "plan_not_found"
	RateLimited            Kind = "rate_limited"
	StorageError           Kind = "storage_error"
)

var statusByKind = map[Kind]int{
	InvalidInput:           http.StatusBadRequest,
	InvalidURL:             http.StatusBadRequest,
	MissingCredential:      http.StatusUnauthorized,
	InvalidLicense:         http.StatusUnauthorized,
	LicenseInactive:        http.StatusForbidden,
	LicenseExpired:         http.StatusForbidden,
	ActivationLimitReached: http.StatusForbidden,
	CooldownActive:         http.StatusForbidden,
	InsufficientCredits:    http.StatusPaymentRequired,
	PaymentRequired:        http.StatusPaymentRequired,
	NotFound:               http.StatusNotFound,
	PlanNotFound:           http.StatusNotFound,
	RateLimited:            http.StatusTooManyRequests,
	StorageError:           http.StatusInternalServerError,
}

// HTTPStatus maps a kind to its response status; unknown kinds are 500.
func (k Kind) HTTPStatus() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is an expected business condition. Details carries the limiting
// values (remaining credits, cooldown days, activation counts) so callers
// can render a message without a second round trip.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(k, ""))
// and the sentinels below work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of e with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	d := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		d[k] = v
	}
	d[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Details: d}
}

// Sentinels for errors.Is.
var (
	ErrInvalidLicense      = New(InvalidLicense, "invalid license key")
	ErrLicenseInactive     = New(LicenseInactive, "license is not active")
	ErrLicenseExpired      = New(LicenseExpired, "license has expired")
	ErrInsufficientCredits = New(InsufficientCredits, "insufficient credits")
	ErrNotFound            = New(NotFound, "not found")
	ErrPlanNotFound        = New(PlanNotFound, "plan not found")
	ErrRateLimited         = New(RateLimited, "rate limit exceeded")
)

// KindOf returns the kind of err, or StorageError for anything that is not
// a business-rule error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return StorageError
}
