package comet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type StreamSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		HandshakeTimeout: 2 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
	}
}

// client frame. Either field may be omitted.
type streamFrame struct {
	A *uint64         `json:"a,omitempty"`
	D json.RawMessage `json:"d,omitempty"`
}

// StreamHandler streams a session over a websocket.
//
// The server writes text frames `[[packetId, 0, payload], ...]` with the unacked packets
// not yet written on the connection. The client writes `{"a": ackId}` to ack
// and `{"d": [[packetId, 0, payload], ...]}` to send.
// Opening a stream discards the blocked long poll of the session.
type StreamHandler struct {
	sessions    *SessionStore
	pollHandler *PollHandler
	settings    *StreamSettings
	upgrader    *websocket.Upgrader
}

func NewStreamHandlerWithDefaults(sessions *SessionStore, pollHandler *PollHandler) *StreamHandler {
	return NewStreamHandler(sessions, pollHandler, DefaultStreamSettings())
}

func NewStreamHandler(sessions *SessionStore, pollHandler *PollHandler, settings *StreamSettings) *StreamHandler {
	return &StreamHandler{
		sessions:    sessions,
		pollHandler: pollHandler,
		settings:    settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := requestSession(self.sessions, r.URL.Query().Get(PollFieldSession))
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already responded
		glog.V(LogLevelDebug).Infof("[stream]%s upgrade error = %s\n", session.Id(), err)
		return
	}
	defer ws.Close()

	if self.pollHandler != nil {
		self.pollHandler.Discard(session.Id())
	}
	session.Touch()

	Trace(fmt.Sprintf("[stream]%s", session.Id()), func() {
		self.stream(r.Context(), session, ws)
	})
}

func (self *StreamHandler) stream(ctx context.Context, session *Session, ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	monitor := NewMonitor()
	unsubscribe := session.DataSent().Subscribe(func(event WakeEvent) {
		monitor.NotifyAll()
	})
	defer unsubscribe()

	go HandleError(func() {
		defer handleCancel()

		var lastWrittenPacketId uint64
		for {
			notify := monitor.NotifyChannel()

			packets := []Packet{}
			for _, packet := range session.UnackedSentPackets() {
				if lastWrittenPacketId < packet.PacketId {
					packets = append(packets, packet)
				}
			}
			if 0 < len(packets) {
				message, lastPacketId, err := encodePackets(packets)
				if err != nil {
					glog.Infof("[stream]%s encode error = %s\n", session.Id(), err)
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.V(LogLevelDebug).Infof("[stream]%s-> error = %s\n", session.Id(), err)
					return
				}
				lastWrittenPacketId = lastPacketId
				glog.V(LogLevelDebug).Infof("[stream]%s-> %d\n", session.Id(), len(packets))
			}

			select {
			case <-handleCtx.Done():
				return
			case <-session.Done():
				ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(self.settings.WriteTimeout),
				)
				return
			case <-notify:
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	})

	go HandleError(func() {
		defer handleCancel()

		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})
		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.V(LogLevelDebug).Infof("[stream]%s<- error = %s\n", session.Id(), err)
				return
			}
			session.Touch()

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if len(message) == 0 {
					// ping
					continue
				}
				self.receive(session, message)
			}
		}
	})

	<-handleCtx.Done()
}

func (self *StreamHandler) receive(session *Session, message []byte) {
	var frame streamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[stream]%s<- bad frame = %s\n", session.Id(), err)
		return
	}
	if frame.A != nil {
		session.Ack(*frame.A)
	}
	if 0 < len(frame.D) {
		packets, err := DecodePackets(frame.D)
		if err != nil {
			glog.Infof("[stream]%s<- bad packets = %s\n", session.Id(), err)
			return
		}
		for _, packet := range packets {
			session.ReceiveData(packet.PacketId, packet.Payload)
		}
	}
}
