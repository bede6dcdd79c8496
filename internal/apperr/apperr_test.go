package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		InvalidInput:           http.StatusBadRequest,
		InvalidURL:             http.StatusBadRequest,
		MissingCredential:      http.StatusUnauthorized,
		InvalidLicense:         http.StatusUnauthorized,
		LicenseExpired:         http.StatusForbidden,
		CooldownActive:         http.StatusForbidden,
		ActivationLimitReached: http.StatusForbidden,
		InsufficientCredits:    http.StatusPaymentRequired,
		NotFound:               http.StatusNotFound,
		RateLimited:            http.StatusTooManyRequests,
		StorageError:           http.StatusInternalServerError,
		Kind("nope"):           http.StatusInternalServerError,
	}
	for k, want := range cases {
		assert.Equal(t, want, k.HTTPStatus(), k)
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("use credits: %w", New(InsufficientCredits, "only 2 remaining").With("remaining", 2))

	assert.True(t, errors.Is(err, ErrInsufficientCredits))
	assert.False(t, errors.Is(err, ErrInvalidLicense))
	assert.Equal(t, InsufficientCredits, KindOf(err))
	assert.Equal(t, StorageError, KindOf(errors.New("disk on fire")))
}

func TestWithDoesNotMutateSentinel(t *testing.T) {
	e := ErrRateLimited.With("limit", 60)

	assert.Equal(t, 60, e.Details["limit"])
	assert.Nil(t, ErrRateLimited.Details)
}
