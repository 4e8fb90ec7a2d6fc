package comet

import (
	"fmt"
	"net/http"
)

// HandshakeHandler creates a new session and responds with its key,
// `({"session":"<hex id>"})`.
type HandshakeHandler struct {
	sessions   *SessionStore
	authorizer Authorizer
}

func NewHandshakeHandler(sessions *SessionStore, authorizer Authorizer) *HandshakeHandler {
	return &HandshakeHandler{
		sessions:   sessions,
		authorizer: authorizer,
	}
}

func (self *HandshakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := self.authorizer.Authorize(r); err != nil {
		writeError(w, err)
		return
	}

	session, err := self.sessions.CreateSession()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", cacheControlNoCache)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `({"session":"%s"})`, session.Id())
}
