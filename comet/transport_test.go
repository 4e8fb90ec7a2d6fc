package comet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// waits until the transport has data to send
func awaitData(t *testing.T, transport Transport, timeout time.Duration) json.RawMessage {
	endTime := time.Now().Add(timeout)
	for {
		wake := make(chan struct{}, 1)
		listener, err := transport.StartSend().AddListener(
			time.Until(endTime),
			func(event WakeEvent) {
				wake <- struct{}{}
			},
			func() {
				wake <- struct{}{}
			},
		)
		assert.Equal(t, nil, err)
		if data := transport.GetDataToSend(); data != nil {
			transport.StartSend().RemoveListener(listener)
			return data
		}
		<-wake
		if data := transport.GetDataToSend(); data != nil {
			return data
		}
		if !time.Now().Before(endTime) {
			t.FailNow()
		}
	}
}

func TestEchoTransport(t *testing.T) {
	transport := NewEchoTransport()
	defer transport.Close()

	var fireCount int
	transport.StartSend().Subscribe(func(event WakeEvent) {
		fireCount += 1
	})

	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`"x"`)))
	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"y":1}`)))
	assert.Equal(t, 2, fireCount)

	assert.Equal(t, json.RawMessage(`"x"`), transport.GetDataToSend())
	assert.Equal(t, json.RawMessage(`{"y":1}`), transport.GetDataToSend())
	assert.Equal(t, json.RawMessage(nil), transport.GetDataToSend())
}

func TestLoopbackTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultLoopbackSettings()
	settings.Interval = 20 * time.Millisecond
	transport := NewLoopbackTransport(ctx, settings)
	defer transport.Close()

	// the first message is sent on create
	var message loopbackMessage
	err := json.Unmarshal(awaitData(t, transport, 5*time.Second), &message)
	assert.Equal(t, nil, err)
	assert.Equal(t, json.RawMessage("null"), message.D)
	assert.NotEqual(t, "", message.Ts)

	assert.Equal(t, nil, transport.HandleIncomingData(json.RawMessage(`{"k":1}`)))

	err = json.Unmarshal(awaitData(t, transport, 5*time.Second), &message)
	assert.Equal(t, nil, err)
	assert.Equal(t, json.RawMessage(`{"k":1}`), message.D)
}

func TestBindTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	transport := NewEchoTransport()
	BindTransport(ctx, session, transport)

	session.ReceiveData(7, `"hello"`)
	session.ReceiveData(8, `"world"`)

	endTime := time.Now().Add(5 * time.Second)
	for {
		if count, _ := session.BacklogSize(); count == 2 {
			break
		}
		if !time.Now().Before(endTime) {
			t.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []Packet{
		{PacketId: 1, Payload: `"hello"`},
		{PacketId: 2, Payload: `"world"`},
	}, session.UnackedSentPackets())

	session.Close()
	for !transport.StartSend().IsClosed() {
		if !time.Now().Before(endTime) {
			t.FailNow()
		}
		time.Sleep(5 * time.Millisecond)
	}
}
