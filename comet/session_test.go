package comet

import (
	"context"
	mathrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionEnqueueOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	defer session.Close()

	n := 100
	packetIds := []uint64{}
	for i := 0; i < n; i += 1 {
		packetId, err := session.Enqueue(string(rune('a' + i%26)))
		assert.Equal(t, nil, err)
		packetIds = append(packetIds, packetId)
	}

	packets := session.UnackedSentPackets()
	assert.Equal(t, n, len(packets))
	for i, packet := range packets {
		assert.Equal(t, packetIds[i], packet.PacketId)
		if 0 < i {
			assert.Equal(t, true, packets[i-1].PacketId < packet.PacketId)
		}
	}
}

func TestSessionAckRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	defer session.Close()

	func() {
		session.stateLock.Lock()
		defer session.stateLock.Unlock()
		session.unackedSentPackets.Add(1, "a", ByteCount(1))
		session.unackedSentPackets.Add(3, "b", ByteCount(1))
		session.nextSendPacketId = 4
	}()

	session.Ack(2)

	packets := session.UnackedSentPackets()
	assert.Equal(t, []Packet{
		{PacketId: 3, Payload: "b"},
	}, packets)
}

func TestSessionAckNeverRegresses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	defer session.Close()

	for i := 0; i < 10; i += 1 {
		session.Enqueue("p")
	}

	assert.Equal(t, 5, session.Ack(5))
	assert.Equal(t, uint64(5), session.HighestAckedId())

	// lower and duplicate acks are no-ops
	assert.Equal(t, 0, session.Ack(3))
	assert.Equal(t, 0, session.Ack(5))
	assert.Equal(t, uint64(5), session.HighestAckedId())

	count, _ := session.BacklogSize()
	assert.Equal(t, 5, count)

	// acks past the last sent packet stop at the last sent packet
	assert.Equal(t, 5, session.Ack(100))
	assert.Equal(t, false, session.HasUnackedSentPackets())
	assert.Equal(t, uint64(10), session.HighestAckedId())

	packetId, err := session.Enqueue("q")
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(11), packetId)
	assert.Equal(t, 1, session.Ack(11))
	assert.Equal(t, false, session.HasUnackedSentPackets())
}

func TestSessionEnqueueAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	session.Close()

	_, err := session.Enqueue("p")
	assert.Equal(t, ErrSessionClosed, err)

	// a closed broadcaster reports the close to the enqueue
	session = NewSession(ctx, SessionId(2))
	defer session.Close()
	session.DataSent().Close()
	packetId, err := session.Enqueue("p")
	assert.Equal(t, ErrSessionClosed, err)
	assert.Equal(t, uint64(1), packetId)
}

func TestSessionWaitForData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	defer session.Close()

	signaled := make(chan struct{})
	packets, listener, err := session.WaitForData(
		time.Minute,
		func(event WakeEvent) {
			close(signaled)
		},
		nil,
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(packets))
	assert.NotEqual(t, nil, listener)

	session.Enqueue("hello")
	select {
	case <-signaled:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// with data pending, no listener is registered
	packets, listener, err = session.WaitForData(time.Minute, nil, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, (*WakeListener)(nil), listener)
	assert.Equal(t, []Packet{{PacketId: 1, Payload: "hello"}}, packets)
}

func TestSessionCloseReleasesWaiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))

	timedOut := make(chan struct{})
	_, _, err := session.WaitForData(
		InfiniteTimeout,
		nil,
		func() {
			close(timedOut)
		},
	)
	assert.Equal(t, nil, err)

	session.Close()
	select {
	case <-timedOut:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	select {
	case <-session.Done():
	default:
		t.FailNow()
	}

	_, err = session.Enqueue("late")
	assert.Equal(t, ErrSessionClosed, err)
	_, _, err = session.WaitForData(time.Second, nil, nil)
	assert.Equal(t, ErrSessionClosed, err)
}

func TestSessionVariables(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	defer session.Close()

	session.MergeVariables(map[string]string{
		"du": "30",
		"p":  "pre",
	})
	session.MergeVariables(map[string]string{
		"du": "1",
	})

	assert.Equal(t, map[string]string{
		"du": "1",
		"p":  "pre",
	}, session.Variables())

	du, ok := session.Variable("du")
	assert.Equal(t, true, ok)
	assert.Equal(t, "1", du)
	_, ok = session.Variable("ct")
	assert.Equal(t, false, ok)
}

func TestSessionReceiveReorder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(ctx, SessionId(1))
	defer session.Close()

	var stateLock sync.Mutex
	received := []string{}
	session.AddDataReceivedCallback(func(payload string) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, payload)
	})

	// the first packet sets the expected id
	session.ReceiveData(10, "a")

	n := 100
	packetIds := []uint64{}
	for i := 1; i <= n; i += 1 {
		packetIds = append(packetIds, uint64(10+i))
	}
	mathrand.Shuffle(len(packetIds), func(i, j int) {
		packetIds[i], packetIds[j] = packetIds[j], packetIds[i]
	})
	for _, packetId := range packetIds {
		session.ReceiveData(packetId, string(rune('a'+int(packetId-10)%26)))
		// duplicates are dropped
		session.ReceiveData(packetId, "duplicate")
	}
	session.ReceiveData(10, "duplicate")

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, n+1, len(received))
	for i, payload := range received {
		assert.Equal(t, string(rune('a'+i%26)), payload)
	}
}

func TestSessionStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSessionStoreSettings()
	settings.IdleTimeout = 0
	sessions := NewSessionStore(ctx, settings)
	defer sessions.Close()

	newSessions := make(chan *Session, 16)
	sessions.AddNewSessionCallback(func(session *Session) {
		newSessions <- session
	})

	sessionIds := map[SessionId]bool{}
	for i := 0; i < 16; i += 1 {
		session, err := sessions.CreateSession()
		assert.Equal(t, nil, err)
		assert.Equal(t, false, sessionIds[session.Id()])
		sessionIds[session.Id()] = true
	}
	assert.Equal(t, 16, sessions.Len())

	for i := 0; i < 16; i += 1 {
		select {
		case session := <-newSessions:
			assert.Equal(t, true, sessionIds[session.Id()])
		case <-time.After(5 * time.Second):
			t.FailNow()
		}
	}

	for sessionId := range sessionIds {
		session, err := sessions.Session(sessionId)
		assert.Equal(t, nil, err)
		assert.Equal(t, sessionId, session.Id())

		assert.Equal(t, nil, sessions.CloseSession(sessionId))
		assert.Equal(t, true, session.IsClosed())

		_, err = sessions.Session(sessionId)
		assert.Equal(t, ErrBadSessionId, err)
		assert.Equal(t, ErrBadSessionId, sessions.CloseSession(sessionId))
	}
	assert.Equal(t, 0, sessions.Len())
}

func TestSessionStoreExpireIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSessionStoreSettings()
	settings.IdleTimeout = 50 * time.Millisecond
	settings.SweepInterval = 10 * time.Millisecond
	sessions := NewSessionStore(ctx, settings)
	defer sessions.Close()

	idleSession, _ := sessions.CreateSession()
	activeSession, _ := sessions.CreateSession()

	for i := 0; i < 20; i += 1 {
		activeSession.Touch()
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, true, idleSession.IsClosed())
	assert.Equal(t, false, activeSession.IsClosed())
	assert.Equal(t, []SessionId{activeSession.Id()}, sessions.SessionIds())
}
