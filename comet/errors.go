package comet

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// errors.go provides the error values for the comet package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for sessions
var (
	ErrBadSessionId    = errors.New("bad session id")
	ErrTooManySessions = errors.New("too many comet sessions")
	ErrSessionClosed   = errors.New("comet session closed")
)

// used for the wake broadcaster
var (
	ErrBroadcasterClosed = errors.New("wake broadcaster closed")
)

// used for transports
var (
	ErrTransportClosed   = errors.New("the transport can no longer send data")
	ErrTransportNotFound = errors.New("transport not found")
	ErrTransportExists   = errors.New("transport already exists")
)

// used for authorization
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError carries an http status code through transport code.
// Multiplexed channels report it as the channel error code.
type StatusError struct {
	StatusCode int
	Message    string
}

func NewStatusError(statusCode int, format string, a ...any) *StatusError {
	return &StatusError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf(format, a...),
	}
}

func (self *StatusError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("%d %s", self.StatusCode, http.StatusText(self.StatusCode))
	}
	return fmt.Sprintf("%d %s", self.StatusCode, self.Message)
}

// StatusCodeOf maps an error to the http status code reported to the client.
func StatusCodeOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return statusError.StatusCode
	}
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrTransportNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransportExists):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadSessionId):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.As(err, &syntaxError), errors.As(err, &typeError):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
