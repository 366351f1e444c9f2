package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("trigger milestone: %w", InvalidState("already triggered"))

	assert.Equal(t, KindInvalidState, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("Milestone not found")))
}

func TestIs_MatchesKindAndMessage(t *testing.T) {
	err := fmt.Errorf("ctx: %w", InvalidState("already invoiced"))

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, InvalidState("already invoiced"))
	assert.NotErrorIs(t, err, InvalidState("already triggered"))
	assert.NotErrorIs(t, err, ErrForbidden)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindAuth:         http.StatusUnauthorized,
		KindForbidden:    http.StatusForbidden,
		KindNotFound:     http.StatusNotFound,
		KindInvalidState: http.StatusBadRequest,
		KindValidation:   http.StatusBadRequest,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestPublicMessage_HidesInternalCause(t *testing.T) {
	err := Internal(errors.New("pq: connection refused"))

	assert.Equal(t, "Internal server error", PublicMessage(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "no billing amount", PublicMessage(InvalidState("no billing amount")))
}
