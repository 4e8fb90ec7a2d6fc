package comet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// per request fields. All other request fields are merged into the session variables.
const (
	PollFieldSession = "s"
	PollFieldAck     = "a"
	PollFieldData    = "d"
	PollFieldNoCache = "n"
)

// persistent session variables
const (
	PollVariableDuration    = "du"
	PollVariablePreamble    = "p"
	PollVariableBatchPrefix = "bp"
	PollVariableBatchSuffix = "bs"
	PollVariableContentType = "ct"
	PollVariableSse         = "se"
)

const noAck = "-1"

type PollSettings struct {
	DefaultDuration    time.Duration
	DefaultContentType string
}

func DefaultPollSettings() *PollSettings {
	return &PollSettings{
		DefaultDuration:    30 * time.Second,
		DefaultContentType: "text/html",
	}
}

// the response format read from the session variables
type pollFormat struct {
	duration    time.Duration
	preamble    string
	batchPrefix string
	batchSuffix string
	contentType string
	sse         bool
}

// a blocked long poll that a newer poll for the same key can discard
type pendingPoll struct {
	pollId      Id
	discard     chan struct{}
	discardOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

func newPendingPoll() *pendingPoll {
	return &pendingPoll{
		pollId:  NewId(),
		discard: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Discard forces the poll to complete now.
func (self *pendingPoll) Discard() {
	self.discardOnce.Do(func() {
		close(self.discard)
	})
}

// called by the poll when it has written its response
func (self *pendingPoll) Finish() {
	self.doneOnce.Do(func() {
		close(self.done)
	})
}

// PollHandler is the long poll endpoint.
//
// A poll applies the ack, merges the request variables into the session,
// and responds immediately when the session has unacked packets.
// Otherwise it waits on the session broadcaster for up to the duration,
// then responds with whatever is unacked, possibly nothing.
// There is at most one blocked poll per session. A new poll discards the previous one.
type PollHandler struct {
	sessions *SessionStore
	settings *PollSettings

	stateLock    sync.Mutex
	pendingPolls map[SessionId]*pendingPoll
}

func NewPollHandlerWithDefaults(sessions *SessionStore) *PollHandler {
	return NewPollHandler(sessions, DefaultPollSettings())
}

func NewPollHandler(sessions *SessionStore, settings *PollSettings) *PollHandler {
	return &PollHandler{
		sessions:     sessions,
		settings:     settings,
		pendingPolls: map[SessionId]*pendingPoll{},
	}
}

// replaces the pending poll for the session, discarding the previous one.
// The previous poll is returned so that the caller can wait for it to finish.
func (self *PollHandler) replacePendingPoll(sessionId SessionId) (poll *pendingPoll, previousPoll *pendingPoll) {
	poll = newPendingPoll()

	self.stateLock.Lock()
	previousPoll = self.pendingPolls[sessionId]
	self.pendingPolls[sessionId] = poll
	self.stateLock.Unlock()

	if previousPoll != nil {
		previousPoll.Discard()
	}
	return
}

func (self *PollHandler) removePendingPoll(sessionId SessionId, poll *pendingPoll) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.pendingPolls[sessionId] == poll {
		delete(self.pendingPolls, sessionId)
	}
}

// Discard completes the blocked poll for the session, if any, with an empty response.
func (self *PollHandler) Discard(sessionId SessionId) bool {
	self.stateLock.Lock()
	poll, ok := self.pendingPolls[sessionId]
	if ok {
		delete(self.pendingPolls, sessionId)
	}
	self.stateLock.Unlock()

	if ok {
		poll.Discard()
	}
	return ok
}

func (self *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	switch r.Method {
	case http.MethodGet, http.MethodPost:
	default:
		http.Error(w, "Only GET and POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, NewStatusError(http.StatusBadRequest, "%s", err))
		return
	}

	session, err := requestSession(self.sessions, r.Form.Get(PollFieldSession))
	if err != nil {
		observePoll(PollResultError, 0)
		writeError(w, err)
		return
	}
	session.Touch()

	poll, previousPoll := self.replacePendingPoll(session.Id())
	defer func() {
		self.removePendingPoll(session.Id(), poll)
		poll.Finish()
	}()

	// the previous poll completes before this one reads the session
	if previousPoll != nil {
		select {
		case <-previousPoll.done:
		case <-poll.discard:
			observePoll(PollResultDiscard, time.Since(startTime).Seconds())
			w.WriteHeader(http.StatusOK)
			return
		case <-r.Context().Done():
			observePoll(PollResultGone, time.Since(startTime).Seconds())
			return
		}
	}

	format, err := self.applyRequest(session, r)
	if err != nil {
		observePoll(PollResultError, 0)
		writeError(w, err)
		return
	}

	glog.V(LogLevelDebug).Infof("[poll]%s %s start du = %s\n", session.Id(), poll.pollId, format.duration)

	wake := make(chan string, 1)
	signal := func(result string) {
		select {
		case wake <- result:
		default:
		}
	}
	packets, listener, err := session.WaitForData(
		format.duration,
		func(event WakeEvent) {
			signal(PollResultData)
		},
		func() {
			signal(PollResultTimeout)
		},
	)
	if err != nil {
		observePoll(PollResultError, 0)
		if err == ErrSessionClosed {
			writeError(w, NewStatusError(http.StatusBadRequest, "Bad SESSION_KEY"))
		} else {
			writeError(w, err)
		}
		return
	}

	result := PollResultData
	if listener != nil {
		select {
		case result = <-wake:
			packets = session.UnackedSentPackets()
		case <-poll.discard:
			session.DataSent().RemoveListener(listener)
			glog.V(LogLevelDebug).Infof("[poll]%s %s discard\n", session.Id(), poll.pollId)
			observePoll(PollResultDiscard, time.Since(startTime).Seconds())
			w.WriteHeader(http.StatusOK)
			return
		case <-r.Context().Done():
			session.DataSent().RemoveListener(listener)
			glog.V(LogLevelDebug).Infof("[poll]%s %s gone\n", session.Id(), poll.pollId)
			observePoll(PollResultGone, time.Since(startTime).Seconds())
			return
		}
	}

	body, err := formatPollResponse(format, packets)
	if err != nil {
		observePoll(PollResultError, time.Since(startTime).Seconds())
		writeError(w, err)
		return
	}

	glog.V(LogLevelDebug).Infof("[poll]%s %s %s packets = %d\n", session.Id(), poll.pollId, result, len(packets))
	observePoll(result, time.Since(startTime).Seconds())

	w.Header().Set("Content-Type", format.contentType)
	w.Header().Set("Cache-Control", cacheControlNoCache)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// applies the ack, delivers the data field, and merges the session variables
func (self *PollHandler) applyRequest(session *Session, r *http.Request) (*pollFormat, error) {
	ackStr := r.Header.Get("Last-Event-ID")
	if ackStr == "" {
		ackStr = r.Form.Get(PollFieldAck)
	}
	if ackStr != "" && ackStr != noAck {
		highestAckedId, err := strconv.ParseUint(ackStr, 10, 64)
		if err != nil {
			return nil, NewStatusError(http.StatusBadRequest, "Bad ACK_ID")
		}
		session.Ack(highestAckedId)
	}

	if data := r.Form.Get(PollFieldData); data != "" {
		session.Deliver(data)
	}

	variables := map[string]string{}
	for key, values := range r.Form {
		switch key {
		case PollFieldSession, PollFieldAck, PollFieldData, PollFieldNoCache:
			continue
		}
		if 0 < len(values) {
			variables[key] = values[len(values)-1]
		}
	}
	session.MergeVariables(variables)

	return self.readFormat(session)
}

func (self *PollHandler) readFormat(session *Session) (*pollFormat, error) {
	variables := session.Variables()

	format := &pollFormat{
		duration:    self.settings.DefaultDuration,
		preamble:    variables[PollVariablePreamble],
		batchPrefix: variables[PollVariableBatchPrefix],
		batchSuffix: variables[PollVariableBatchSuffix],
		contentType: self.settings.DefaultContentType,
		sse:         variables[PollVariableSse] == "1",
	}
	if durationStr, ok := variables[PollVariableDuration]; ok {
		durationSeconds, err := strconv.ParseFloat(durationStr, 64)
		if err != nil || durationSeconds < 0 {
			return nil, NewStatusError(http.StatusBadRequest, "Bad DURATION")
		}
		format.duration = time.Duration(durationSeconds * float64(time.Second))
	}
	if contentType, ok := variables[PollVariableContentType]; ok {
		format.contentType = contentType
	}
	return format, nil
}

// formats `preamble + batchPrefix + "(" + [[packetId, 0, payload], ...] + ")" + batchSuffix`.
// With sse, the `id:` line of the last packet id is first.
func formatPollResponse(format *pollFormat, packets []Packet) ([]byte, error) {
	packetsJson, lastPacketId, err := encodePackets(packets)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if format.sse {
		fmt.Fprintf(&body, "id: %d\r\n", lastPacketId)
	}
	body.WriteString(format.preamble)
	body.WriteString(format.batchPrefix)
	body.WriteString("(")
	body.Write(packetsJson)
	body.WriteString(")")
	body.WriteString(format.batchSuffix)
	return body.Bytes(), nil
}

// encodes packets as `[[packetId, 0, payload], ...]`, in the given order
func encodePackets(packets []Packet) (packetsJson []byte, lastPacketId uint64, err error) {
	triples := make([][3]any, 0, len(packets))
	for _, packet := range packets {
		triples = append(triples, [3]any{packet.PacketId, 0, packet.Payload})
		lastPacketId = packet.PacketId
	}

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err = encoder.Encode(triples); err != nil {
		return
	}
	packetsJson = bytes.TrimRight(buffer.Bytes(), "\n")
	return
}
