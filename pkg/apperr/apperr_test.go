package apperr

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, New(CodeValidation, "x").HTTPStatus())
	assert.Equal(t, http.StatusConflict, New(CodeJobAlreadyRunning, "x").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, New(CodeJobNotFound, "x").HTTPStatus())
	assert.Equal(t, http.StatusNotImplemented, New(CodeUnsupportedFilter, "x").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, New(Code("SOMETHING_NEW"), "x").HTTPStatus())
}

func TestFromErrorUnwrapsThroughChain(t *testing.T) {
	inner := Newf(CodeSnapshotConflict, "snapshot %s taken", "2024-07-01")
	wrapped := errors.Wrap(inner, "commit")

	got := FromError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, CodeSnapshotConflict, got.Code)
}

func TestFromErrorDefaultsToStorage(t *testing.T) {
	got := FromError(errors.New("disk on fire"))
	assert.Equal(t, CodeStorage, got.Code)
}

func TestIsMatchesOnCode(t *testing.T) {
	err := errors.Wrap(New(CodeSnapshotConflict, "a"), "outer")
	assert.True(t, errors.Is(err, &Error{Code: CodeSnapshotConflict}))
	assert.False(t, errors.Is(err, &Error{Code: CodeJobNotFound}))
}
