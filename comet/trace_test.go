package comet

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleError(t *testing.T) {
	var handledErr error
	called := false
	r := HandleError(func() {
		panic("broken")
	}, func() {
		called = true
	}, func(err error) {
		handledErr = err
	})
	assert.Equal(t, "broken", r)
	assert.Equal(t, true, called)
	assert.Equal(t, "broken", handledErr.Error())

	r = HandleError(func() {
		panic(context.Canceled)
	})
	assert.Equal(t, context.Canceled, r)

	r = HandleError(func() {})
	assert.Equal(t, nil, r)
}

func TestStatusCodeOf(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCodeOf(nil))
	assert.Equal(t, http.StatusNotFound, StatusCodeOf(ErrTransportNotFound))
	assert.Equal(t, http.StatusUnauthorized, StatusCodeOf(ErrUnauthorized))
	assert.Equal(t, http.StatusConflict, StatusCodeOf(ErrTransportExists))
	assert.Equal(t, http.StatusTeapot, StatusCodeOf(NewStatusError(http.StatusTeapot, "tea")))
	assert.Equal(t, http.StatusInternalServerError, StatusCodeOf(errors.New("unknown")))
}
