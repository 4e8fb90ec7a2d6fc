package comet

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/golang/glog"
)

// SendHandler accepts inbound packets for a session.
//
// The body is a json array of `[packetId, encoding, payload]` triples.
// Clients send the array double encoded, as a json string that contains the array.
// A plain array is also accepted.
type SendHandler struct {
	sessions *SessionStore
}

func NewSendHandler(sessions *SessionStore) *SendHandler {
	return &SendHandler{
		sessions: sessions,
	}
}

func (self *SendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST is allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := requestSession(self.sessions, r.URL.Query().Get(PollFieldSession))
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, NewStatusError(http.StatusBadRequest, "%s", err))
		return
	}

	packets, err := DecodePackets(body)
	if err != nil {
		glog.V(LogLevelDebug).Infof("[send]%s bad packets = %s\n", session.Id(), err)
		writeError(w, NewStatusError(http.StatusBadRequest, "Bad packets"))
		return
	}

	session.Touch()
	for _, packet := range packets {
		session.ReceiveData(packet.PacketId, packet.Payload)
	}
	w.WriteHeader(http.StatusOK)
}

// DecodePackets decodes `[[packetId, encoding, payload], ...]`, optionally wrapped in a json string.
// A payload that is not a string is passed on as its compact json text.
func DecodePackets(body []byte) ([]Packet, error) {
	var packetsStr string
	if err := json.Unmarshal(body, &packetsStr); err == nil {
		body = []byte(packetsStr)
	}

	var triples [][]json.RawMessage
	if err := json.Unmarshal(body, &triples); err != nil {
		return nil, err
	}

	packets := make([]Packet, 0, len(triples))
	for _, triple := range triples {
		if len(triple) != 3 {
			return nil, NewStatusError(http.StatusBadRequest, "packet must be [id, encoding, data]")
		}
		var packetId uint64
		if err := json.Unmarshal(triple[0], &packetId); err != nil {
			return nil, err
		}
		var payload string
		if err := json.Unmarshal(triple[2], &payload); err != nil {
			var compactPayload bytes.Buffer
			if err := json.Compact(&compactPayload, triple[2]); err != nil {
				return nil, err
			}
			payload = compactPayload.String()
		}
		packets = append(packets, Packet{
			PacketId: packetId,
			Payload:  payload,
		})
	}
	return packets, nil
}
