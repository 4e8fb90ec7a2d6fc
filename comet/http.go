package comet

import (
	"errors"
	"net/http"

	"github.com/golang/glog"
)

const cacheControlNoCache = "no-cache, must-revalidate"

// writes the error status. 5xx errors are abnormal and logged.
func writeError(w http.ResponseWriter, err error) {
	statusCode := StatusCodeOf(err)
	if http.StatusInternalServerError <= statusCode {
		glog.Infof("[http]error = %s\n", err)
	}
	message := err.Error()
	var statusError *StatusError
	if errors.As(err, &statusError) && statusError.Message != "" {
		message = statusError.Message
	}
	http.Error(w, message, statusCode)
}

// resolves the session key of a request.
// A malformed key is 417. A key that does not resolve to a live session is 400.
func requestSession(sessions *SessionStore, sessionKey string) (*Session, error) {
	sessionId, err := ParseSessionId(sessionKey)
	if err != nil {
		return nil, NewStatusError(http.StatusExpectationFailed, "Invalid session ID")
	}
	session, err := sessions.Session(sessionId)
	if err != nil {
		return nil, NewStatusError(http.StatusBadRequest, "Bad SESSION_KEY")
	}
	return session, nil
}
