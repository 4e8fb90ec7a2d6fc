package comet

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

type TransportEndpointSettings struct {
	// transports with no request for this long are closed
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// creating a transport past this closes the client's oldest transport
	MaxTransportsPerClient int
	ClientCookieName       string
}

func DefaultTransportEndpointSettings() *TransportEndpointSettings {
	return &TransportEndpointSettings{
		IdleTimeout:            5 * time.Minute,
		SweepInterval:          30 * time.Second,
		MaxTransportsPerClient: 32,
		ClientCookieName:       "comet_client",
	}
}

type transportRequest struct {
	Tid   json.RawMessage `json:"tid"`
	Lp    json.RawMessage `json:"lp"`
	IsNew json.RawMessage `json:"isNew"`
	D     json.RawMessage `json:"d"`
}

type transportKey struct {
	clientKey   string
	transportId TransportId
}

type endpointTransport struct {
	key        transportKey
	path       string
	transport  Transport
	createTime time.Time

	// guarded by the handler state lock
	lastActivityTime time.Time
	pendingPoll      *pendingPoll
}

// TransportHandler serves a single transport per `(client, tid)` directly over http,
// without a session.
//
// Each POST carries `{"tid": int, "lp": ms, "isNew": any, "d": any}`. `isNew` constructs
// the transport at the request path through the resolver, and `d` is passed to the transport.
// The response is the transport's next data as json, or an empty 200 after `lp` ms.
type TransportHandler struct {
	ctx    context.Context
	cancel context.CancelFunc

	resolver   TransportResolver
	authorizer Authorizer
	settings   *TransportEndpointSettings

	stateLock  sync.Mutex
	transports map[transportKey]*endpointTransport

	log LogFunction
}

func NewTransportHandlerWithDefaults(
	ctx context.Context,
	resolver TransportResolver,
	authorizer Authorizer,
) *TransportHandler {
	return NewTransportHandler(ctx, resolver, authorizer, DefaultTransportEndpointSettings())
}

func NewTransportHandler(
	ctx context.Context,
	resolver TransportResolver,
	authorizer Authorizer,
	settings *TransportEndpointSettings,
) *TransportHandler {
	cancelCtx, cancel := context.WithCancel(ctx)
	transportHandler := &TransportHandler{
		ctx:        cancelCtx,
		cancel:     cancel,
		resolver:   resolver,
		authorizer: authorizer,
		settings:   settings,
		transports: map[transportKey]*endpointTransport{},
		log:        LogFn(LogLevelLifecycle, "transport"),
	}
	if 0 < settings.IdleTimeout {
		go transportHandler.run()
	}
	return transportHandler
}

func (self *TransportHandler) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
		}
		self.purgeIdle(time.Now())
	}
}

func (self *TransportHandler) purgeIdle(now time.Time) {
	if self.settings.IdleTimeout <= 0 {
		return
	}
	idleTransports := []*endpointTransport{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key, t := range self.transports {
			if t.pendingPoll == nil && self.settings.IdleTimeout <= now.Sub(t.lastActivityTime) {
				delete(self.transports, key)
				idleTransports = append(idleTransports, t)
			}
		}
	}()
	for _, t := range idleTransports {
		SubLogFn(self.log, transportTag(t.key))("purged")
		self.closeTransport(t)
	}
}

func (self *TransportHandler) closeTransport(t *endpointTransport) {
	HandleError(t.transport.Close, func(err error) {
		glog.Infof("[transport]%s close error = %s\n", transportTag(t.key), err)
	})
}

func (self *TransportHandler) TransportCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.transports)
}

func (self *TransportHandler) Close() {
	self.cancel()

	transports := func() []*endpointTransport {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		transports := make([]*endpointTransport, 0, len(self.transports))
		for _, t := range self.transports {
			transports = append(transports, t)
		}
		clear(self.transports)
		return transports
	}()
	for _, t := range transports {
		self.closeTransport(t)
	}
}

func (self *TransportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	authClaims, err := self.authorizer.Authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, NewStatusError(http.StatusBadRequest, "%s", err))
		return
	}
	var request transportRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, NewStatusError(http.StatusBadRequest, "Bad request body"))
		return
	}
	if len(request.Tid) == 0 {
		writeError(w, NewStatusError(http.StatusBadRequest, "Transport id (tid) missing."))
		return
	}
	transportId, err := parseTransportIdJson(request.Tid)
	if err != nil {
		writeError(w, NewStatusError(http.StatusBadRequest, "Transport id is invalid. It must be an integer"))
		return
	}
	if len(request.Lp) == 0 {
		writeError(w, NewStatusError(http.StatusBadRequest, "Long poll (lp) missing."))
		return
	}
	longPoll, err := parseLongPollJson(request.Lp)
	if err != nil {
		writeError(w, NewStatusError(http.StatusBadRequest, "Long poll is invalid. It must be a number"))
		return
	}

	clientKey := authClaims.ClientKey
	if clientKey == "" {
		clientKey = self.clientCookie(w, r)
	}
	key := transportKey{
		clientKey:   clientKey,
		transportId: transportId,
	}

	var t *endpointTransport
	if len(request.IsNew) != 0 {
		t, err = self.createTransport(key, r)
	} else {
		t, err = self.transport(key)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if 0 < len(request.D) {
		if err := t.transport.HandleIncomingData(request.D); err != nil {
			writeError(w, err)
			return
		}
	}

	self.longPoll(w, r, t, longPoll)
}

func (self *TransportHandler) clientCookie(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(self.settings.ClientCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	clientKey := NewId().String()
	http.SetCookie(w, &http.Cookie{
		Name:     self.settings.ClientCookieName,
		Value:    clientKey,
		Path:     "/",
		HttpOnly: true,
	})
	return clientKey
}

func (self *TransportHandler) createTransport(key transportKey, r *http.Request) (*endpointTransport, error) {
	self.stateLock.Lock()
	_, exists := self.transports[key]
	self.stateLock.Unlock()
	if exists {
		return nil, ErrTransportExists
	}

	var transport Transport
	var err error
	if panicValue := HandleError(func() {
		transport, err = self.resolver.ResolveTransport(self.ctx, r.URL.Path, r.URL.Query(), key.transportId)
	}); panicValue != nil {
		return nil, NewStatusError(http.StatusInternalServerError, "")
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t := &endpointTransport{
		key:              key,
		path:             r.URL.Path,
		transport:        transport,
		createTime:       now,
		lastActivityTime: now,
	}

	evicted, err := func() ([]*endpointTransport, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.transports[key]; ok {
			return nil, ErrTransportExists
		}

		clientTransports := []*endpointTransport{}
		for _, other := range self.transports {
			if other.key.clientKey == key.clientKey {
				clientTransports = append(clientTransports, other)
			}
		}
		evicted := []*endpointTransport{}
		if 0 < self.settings.MaxTransportsPerClient {
			slices.SortFunc(clientTransports, func(a *endpointTransport, b *endpointTransport) int {
				return a.createTime.Compare(b.createTime)
			})
			for self.settings.MaxTransportsPerClient <= len(clientTransports) {
				oldest := clientTransports[0]
				clientTransports = clientTransports[1:]
				delete(self.transports, oldest.key)
				evicted = append(evicted, oldest)
			}
		}
		self.transports[key] = t
		return evicted, nil
	}()
	if err != nil {
		self.closeTransport(t)
		return nil, err
	}
	for _, oldest := range evicted {
		SubLogFn(self.log, transportTag(oldest.key))("evicted")
		self.closeTransport(oldest)
	}

	SubLogFn(self.log, transportTag(key))("created %s", t.path)
	return t, nil
}

func (self *TransportHandler) transport(key transportKey) (*endpointTransport, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	t, ok := self.transports[key]
	if !ok {
		return nil, NewStatusError(http.StatusGone, "Transport %d not found", key.transportId)
	}
	return t, nil
}

func (self *TransportHandler) longPoll(w http.ResponseWriter, r *http.Request, t *endpointTransport, longPoll time.Duration) {
	poll := newPendingPoll()
	previousPoll := func() *pendingPoll {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		previousPoll := t.pendingPoll
		t.pendingPoll = poll
		t.lastActivityTime = time.Now()
		return previousPoll
	}()
	defer func() {
		self.stateLock.Lock()
		if t.pendingPoll == poll {
			t.pendingPoll = nil
		}
		t.lastActivityTime = time.Now()
		self.stateLock.Unlock()
		poll.Finish()
	}()

	if previousPoll != nil {
		// the previous poll completes with the current data
		previousPoll.Discard()
		select {
		case <-previousPoll.done:
		case <-r.Context().Done():
			return
		}
	} else if data := t.transport.GetDataToSend(); data != nil {
		writeTransportData(w, data)
		return
	}

	if longPoll == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	endTime := time.Now().Add(longPoll)
	for {
		wake := make(chan string, 1)
		signal := func(result string) {
			select {
			case wake <- result:
			default:
			}
		}
		listener, err := t.transport.StartSend().AddListener(
			max(0, time.Until(endTime)),
			func(event WakeEvent) {
				signal(PollResultData)
			},
			func() {
				signal(PollResultTimeout)
			},
		)
		if err != nil {
			writeError(w, ErrTransportClosed)
			return
		}
		if data := t.transport.GetDataToSend(); data != nil {
			t.transport.StartSend().RemoveListener(listener)
			writeTransportData(w, data)
			return
		}

		select {
		case result := <-wake:
			data := t.transport.GetDataToSend()
			if data != nil {
				writeTransportData(w, data)
				return
			}
			if result == PollResultTimeout {
				w.WriteHeader(http.StatusOK)
				return
			}
			// woke without data
		case <-poll.discard:
			t.transport.StartSend().RemoveListener(listener)
			if data := t.transport.GetDataToSend(); data != nil {
				writeTransportData(w, data)
			} else {
				w.WriteHeader(http.StatusOK)
			}
			return
		case <-r.Context().Done():
			t.transport.StartSend().RemoveListener(listener)
			return
		}
	}
}

func writeTransportData(w http.ResponseWriter, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControlNoCache)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// the long poll in milliseconds, as a json number or a numeric string
func parseLongPollJson(lp json.RawMessage) (time.Duration, error) {
	var longPollMillis float64
	if err := json.Unmarshal(lp, &longPollMillis); err != nil {
		var longPollStr string
		if err := json.Unmarshal(lp, &longPollStr); err != nil {
			return 0, err
		}
		longPollMillis, err = strconv.ParseFloat(longPollStr, 64)
		if err != nil {
			return 0, err
		}
	}
	if longPollMillis < 0 {
		return 0, NewStatusError(http.StatusBadRequest, "negative long poll")
	}
	return time.Duration(longPollMillis * float64(time.Millisecond)), nil
}

func transportTag(key transportKey) string {
	return key.clientKey + "-" + transportIdKey(key.transportId)
}
