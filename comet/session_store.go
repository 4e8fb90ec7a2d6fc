package comet

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

const maxSessionIdTries = 10000

type SessionFunction func(session *Session)

type SessionStoreSettings struct {
	// sessions with no activity for this long are closed. 0 disables expiry.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultSessionStoreSettings() *SessionStoreSettings {
	return &SessionStoreSettings{
		IdleTimeout:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// SessionStore is the table of live sessions, keyed by session id.
type SessionStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SessionStoreSettings

	stateLock sync.Mutex
	sessions  map[SessionId]*Session

	newSessionCallbacks *CallbackList[SessionFunction]
}

func NewSessionStoreWithDefaults(ctx context.Context) *SessionStore {
	return NewSessionStore(ctx, DefaultSessionStoreSettings())
}

func NewSessionStore(ctx context.Context, settings *SessionStoreSettings) *SessionStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	sessionStore := &SessionStore{
		ctx:                 cancelCtx,
		cancel:              cancel,
		settings:            settings,
		sessions:            map[SessionId]*Session{},
		newSessionCallbacks: NewCallbackList[SessionFunction](),
	}
	if 0 < settings.IdleTimeout {
		go sessionStore.run()
	}
	return sessionStore
}

func (self *SessionStore) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}
		self.expireIdle(time.Now())
	}
}

func (self *SessionStore) expireIdle(now time.Time) {
	expiredSessions := []*Session{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for sessionId, session := range self.sessions {
			if self.settings.IdleTimeout <= now.Sub(session.LastActivityTime()) {
				delete(self.sessions, sessionId)
				expiredSessions = append(expiredSessions, session)
			}
		}
	}()
	for _, session := range expiredSessions {
		glog.V(LogLevelLifecycle).Infof("[session]%s expired\n", session.Id())
		self.closeSession(session)
	}
}

// AddNewSessionCallback registers a callback that runs for every new session,
// before the session is returned to the handshake. Callbacks must not block.
func (self *SessionStore) AddNewSessionCallback(callback SessionFunction) uint64 {
	return self.newSessionCallbacks.Add(callback)
}

func (self *SessionStore) RemoveNewSessionCallback(callbackId uint64) {
	self.newSessionCallbacks.Remove(callbackId)
}

// CreateSession picks an unused random session id.
func (self *SessionStore) CreateSession() (*Session, error) {
	session, err := func() (*Session, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for tries := 0; tries < maxSessionIdTries; tries += 1 {
			sessionId := SessionId(mathrand.Intn(1 << 16))
			if _, ok := self.sessions[sessionId]; ok {
				continue
			}
			session := NewSession(self.ctx, sessionId)
			self.sessions[sessionId] = session
			return session, nil
		}
		return nil, ErrTooManySessions
	}()
	if err != nil {
		return nil, err
	}

	sessionsCreated.Inc()
	sessionsLive.Inc()
	glog.V(LogLevelLifecycle).Infof("[session]%s created\n", session.Id())

	for _, callback := range self.newSessionCallbacks.Get() {
		HandleError(func() {
			callback(session)
		})
	}
	return session, nil
}

func (self *SessionStore) Session(sessionId SessionId) (*Session, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	session, ok := self.sessions[sessionId]
	if !ok {
		return nil, ErrBadSessionId
	}
	return session, nil
}

func (self *SessionStore) CloseSession(sessionId SessionId) error {
	session, err := func() (*Session, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		session, ok := self.sessions[sessionId]
		if !ok {
			return nil, ErrBadSessionId
		}
		delete(self.sessions, sessionId)
		return session, nil
	}()
	if err != nil {
		return err
	}
	glog.V(LogLevelLifecycle).Infof("[session]%s closed\n", sessionId)
	self.closeSession(session)
	return nil
}

func (self *SessionStore) closeSession(session *Session) {
	session.Close()
	sessionsClosed.Inc()
	sessionsLive.Dec()
}

func (self *SessionStore) SessionIds() []SessionId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.sessions)
}

func (self *SessionStore) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.sessions)
}

// Close closes every session.
func (self *SessionStore) Close() {
	self.cancel()

	sessions := func() []*Session {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		sessions := maps.Values(self.sessions)
		clear(self.sessions)
		return sessions
	}()
	for _, session := range sessions {
		self.closeSession(session)
	}
}
