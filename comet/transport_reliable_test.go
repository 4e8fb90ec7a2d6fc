package comet

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestReliableSendAndAck(t *testing.T) {
	transport := NewReliableTransportWithDefaults("test")
	defer transport.Close()

	assert.Equal(t, ReliableStateConnected, transport.State())
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	packetId, err := transport.Send("a")
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(0), packetId)
	packetId, err = transport.SendWithMaxDelay(map[string]int{"b": 1}, 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), packetId)

	expected := map[string]any{
		"0": "a",
		"1": map[string]any{"b": float64(1)},
	}
	assert.Equal(t, expected, decodeFrame(t, transport.GetDataToSend()))
	// a frame is returned once
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	// an inbound frame that leaves packets unacked resends them
	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"d": {}}`)))
	assert.Equal(t, expected, decodeFrame(t, transport.GetDataToSend()))
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"a": 0}`)))
	assert.Equal(t, map[string]any{
		"1": map[string]any{"b": float64(1)},
	}, decodeFrame(t, transport.GetDataToSend()))

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"a": 1}`)))
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())
}

func TestReliableReceiveInOrder(t *testing.T) {
	transport := NewReliableTransportWithDefaults("test")
	defer transport.Close()

	var stateLock sync.Mutex
	received := []SequencedPacket[json.RawMessage]{}
	transport.AddDataReceivedCallback(func(packet SequencedPacket[json.RawMessage]) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, packet)
	})

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"d": {"2": "z", "1": "y"}}`)))
	assert.Equal(t, 0, len(received))

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"d": {"0": "x", "1": "y"}}`)))
	// duplicates are dropped
	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"d": {"0": "x"}}`)))

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, []SequencedPacket[json.RawMessage]{
		{PacketId: 0, Payload: json.RawMessage(`"x"`)},
		{PacketId: 1, Payload: json.RawMessage(`"y"`)},
		{PacketId: 2, Payload: json.RawMessage(`"z"`)},
	}, received)
}

func TestReliableServerClose(t *testing.T) {
	transport := NewReliableTransportWithDefaults("test")

	var endedCount int
	transport.AddConnectionEndedCallback(func(transport *ReliableTransport) {
		endedCount += 1
	})

	transport.Send("a")
	transport.Disconnect()
	assert.Equal(t, ReliableStateClosing, transport.State())

	_, err := transport.Send("b")
	assert.Equal(t, ErrTransportClosed, err)

	// the backlog is flushed with the end marker
	assert.Equal(t, map[string]any{
		"0":   "a",
		"end": true,
	}, decodeFrame(t, transport.GetDataToSend()))

	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	// the client end does not close while a packet is unacked
	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"end": true}`)))
	assert.Equal(t, ReliableStateClosing, transport.State())
	assert.Equal(t, map[string]any{
		"0":   "a",
		"end": true,
	}, decodeFrame(t, transport.GetDataToSend()))
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"a": 0, "end": true}`)))
	assert.Equal(t, ReliableStateClosed, transport.State())
	assert.Equal(t, true, transport.State().IsTerminal())
	assert.Equal(t, 1, endedCount)
	assert.Equal(t, true, transport.StartSend().IsClosed())

	_, err = transport.Send("c")
	assert.Equal(t, ErrTransportClosed, err)
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	transport.Close()
	assert.Equal(t, 1, endedCount)
}

func TestReliableClientClose(t *testing.T) {
	transport := NewReliableTransportWithDefaults("test")

	var disconnectingCount int
	var endedCount int
	transport.AddConnectionDisconnectingCallback(func(transport *ReliableTransport) {
		disconnectingCount += 1
	})
	transport.AddConnectionEndedCallback(func(transport *ReliableTransport) {
		endedCount += 1
	})

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"end": true}`)))
	assert.Equal(t, ReliableStateClosing, transport.State())
	assert.Equal(t, 1, disconnectingCount)
	assert.Equal(t, 0, endedCount)

	assert.Equal(t, map[string]any{
		"end": true,
	}, decodeFrame(t, transport.GetDataToSend()))

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"end": true}`)))
	assert.Equal(t, ReliableStateClosed, transport.State())
	assert.Equal(t, 1, disconnectingCount)
	assert.Equal(t, 1, endedCount)
}

func TestReliableMalformed(t *testing.T) {
	transport := NewReliableTransportWithDefaults("test")
	defer transport.Close()

	for _, incoming := range []string{
		`not json`,
		`[1, 2]`,
		`{"a": "x"}`,
		`{"d": [1]}`,
		`{"d": {"x": 1}}`,
	} {
		assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(incoming)))
		assert.Equal(t, ReliableStateConnected, transport.State())
	}
}

func TestLoopbackReliable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultLoopbackReliableSettings()
	settings.Count = 3
	settings.Interval = 10 * time.Millisecond
	transport := NewLoopbackReliableTransport(ctx, "loopback-reliable", settings)

	ended := make(chan struct{})
	transport.AddConnectionEndedCallback(func(transport *ReliableTransport) {
		close(ended)
	})

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"d": {"0": "ping"}}`)))

	var frame map[string]json.RawMessage
	endTime := time.Now().Add(5 * time.Second)
	for {
		err := json.Unmarshal(awaitData(t, transport, time.Until(endTime)), &frame)
		assert.Equal(t, nil, err)
		if _, ok := frame["end"]; ok {
			break
		}
	}

	assert.Equal(t, 4, len(frame))
	for _, packetId := range []string{"0", "1", "2"} {
		var message loopbackReliableMessage
		err := json.Unmarshal(frame[packetId], &message)
		assert.Equal(t, nil, err)
		assert.Equal(t, json.RawMessage(`"ping"`), message.Data)
	}

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"a": 2, "end": true}`)))
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	assert.Equal(t, ReliableStateClosed, transport.State())
}

// waits until the session backlog has `count` packets
func awaitBacklog(t *testing.T, session *Session, count int) {
	endTime := time.Now().Add(5 * time.Second)
	for {
		if backlogCount, _ := session.BacklogSize(); backlogCount == count {
			return
		}
		if !time.Now().Before(endTime) {
			t.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReliableBoundThroughMultiplex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := make(chan *ReliableTransport, 1)
	resolver := NewRouteResolver()
	resolver.Handle("/rt", func(ctx context.Context, args url.Values, transportId TransportId) (Transport, error) {
		transport := NewReliableTransportWithDefaults("rt")
		channels <- transport
		return transport, nil
	})

	session := NewSession(ctx, SessionId(1))
	defer session.Close()
	BindTransport(ctx, session, NewMultiplexTransportWithDefaults(ctx, resolver))

	session.Deliver(`{"m": [{"tid": 1, "u": "/rt"}]}`)
	var transport *ReliableTransport
	select {
	case transport = <-channels:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	// the channel ack
	awaitBacklog(t, session, 1)

	_, err := transport.Send("hello")
	assert.Equal(t, nil, err)
	awaitBacklog(t, session, 2)

	// the unacked packet is not sent again without a reason
	time.Sleep(100 * time.Millisecond)
	packets := session.UnackedSentPackets()
	assert.Equal(t, 2, len(packets))
	assert.Equal(t, map[string]any{
		"1": map[string]any{"0": "hello"},
	}, decodeFrame(t, json.RawMessage(packets[1].Payload)))

	transport.Disconnect()
	awaitBacklog(t, session, 3)

	time.Sleep(100 * time.Millisecond)
	packets = session.UnackedSentPackets()
	assert.Equal(t, 3, len(packets))
	assert.Equal(t, map[string]any{
		"1": map[string]any{"0": "hello", "end": true},
	}, decodeFrame(t, json.RawMessage(packets[2].Payload)))

	// the client acks and ends
	session.Deliver(`{"1": {"a": 0, "end": true}}`)
	endTime := time.Now().Add(5 * time.Second)
	for transport.State() != ReliableStateClosed {
		if !time.Now().Before(endTime) {
			t.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	count, _ := session.BacklogSize()
	assert.Equal(t, 3, count)
}
