package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusByKind(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{BadRequest("bad"), http.StatusBadRequest},
		{Unauthorized("nope"), http.StatusUnauthorized},
		{Forbidden("nope"), http.StatusForbidden},
		{NotFound("gone"), http.StatusNotFound},
		{PayloadTooLarge("too big"), http.StatusRequestEntityTooLarge},
		{Conflict("dup"), http.StatusConflict},
		{InvalidTransition("bad state"), http.StatusBadRequest},
		{CertsMalformed("no p12"), http.StatusInternalServerError},
		{SourceGone("gc'd"), http.StatusNotFound},
		{TooManyRequests("slow down"), http.StatusTooManyRequests},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Status())
	}
}

func TestStatusCodeUnwrapsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", NotFound("build %s", "b1"))
	assert.Equal(t, http.StatusNotFound, StatusCode(wrapped))
}

func TestStatusCodeDefaultsTo500ForPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusCode(errors.New("plain")))
}

func TestKindOfWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("ctx: %w", Forbidden("nope"))
	assert.Equal(t, KindForbidden, KindOf(wrapped))
}

func TestInternalDoesNotLeakCauseInMessage(t *testing.T) {
	err := Internal(errors.New("secret token xyz"))
	assert.Equal(t, "internal error", err.Message)
}

func TestMessageDoesNotLeakWrappedCause(t *testing.T) {
	err := Internal(errors.New("secret token xyz"))
	assert.Equal(t, "internal error", Message(err))
	assert.NotContains(t, Message(err), "secret token")
}

func TestMessageReturnsSanitizedTextForTypedError(t *testing.T) {
	assert.Equal(t, "build b1 not found", Message(NotFound("build %s not found", "b1")))
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(cause)
	assert.ErrorIs(t, err, cause)
}
