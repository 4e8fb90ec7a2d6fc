package comet

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// reliable transport state machine is:
// ReliableStateConnected
//   -> ReliableStateClosing
//     -> ReliableStateClosed (terminal)
//   -> ReliableStateClosed (terminal)
type ReliableState string

const (
	ReliableStateConnected ReliableState = "Connected"
	ReliableStateClosing   ReliableState = "Closing"
	ReliableStateClosed    ReliableState = "Closed"
)

func (self ReliableState) IsTerminal() bool {
	return self == ReliableStateClosed
}

type ReliableSettings struct {
	// max delay used by `Send`
	DefaultMaxDelay time.Duration
}

func DefaultReliableSettings() *ReliableSettings {
	return &ReliableSettings{
		DefaultMaxDelay: 50 * time.Millisecond,
	}
}

type ReliablePacketFunction func(packet SequencedPacket[json.RawMessage])

type ReliableStateFunction func(transport *ReliableTransport)

// ReliableTransport is a queuing and reliable connection over a comet transport.
//
// Sent payloads stay in the backlog until the client acks them. A frame with the backlog is
// due after a send, a state change, or an inbound frame that leaves packets unacked.
// `GetDataToSend` returns each due frame once. Inbound packets are reordered and delivered exactly in order.
// A graceful close sends an `end` marker after the backlog and waits for the client's `end`.
type ReliableTransport struct {
	url      string
	settings *ReliableSettings

	stateLock          sync.Mutex
	state              ReliableState
	endSent            bool
	sendPending        bool
	nextSendPacketId   uint64
	unackedSentPackets *packetQueue[json.RawMessage]

	// serializes in order delivery of received packets
	receiveLock            sync.Mutex
	expectedPacketId       uint64
	bufferedReceivePackets *packetQueue[json.RawMessage]

	dataReceivedCallbacks            *CallbackList[ReliablePacketFunction]
	connectionDisconnectingCallbacks *CallbackList[ReliableStateFunction]
	connectionEndedCallbacks         *CallbackList[ReliableStateFunction]

	startSend *WakeBroadcaster
}

func NewReliableTransportWithDefaults(url string) *ReliableTransport {
	return NewReliableTransport(url, DefaultReliableSettings())
}

func NewReliableTransport(url string, settings *ReliableSettings) *ReliableTransport {
	return &ReliableTransport{
		url:                              url,
		settings:                         settings,
		state:                            ReliableStateConnected,
		nextSendPacketId:                 0,
		unackedSentPackets:               newPacketQueue[json.RawMessage](),
		expectedPacketId:                 0,
		bufferedReceivePackets:           newPacketQueue[json.RawMessage](),
		dataReceivedCallbacks:            NewCallbackList[ReliablePacketFunction](),
		connectionDisconnectingCallbacks: NewCallbackList[ReliableStateFunction](),
		connectionEndedCallbacks:         NewCallbackList[ReliableStateFunction](),
		startSend:                        NewWakeBroadcaster(url),
	}
}

func (self *ReliableTransport) Url() string {
	return self.url
}

func (self *ReliableTransport) State() ReliableState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ReliableTransport) StartSend() *WakeBroadcaster {
	return self.startSend
}

func (self *ReliableTransport) AddDataReceivedCallback(callback ReliablePacketFunction) uint64 {
	return self.dataReceivedCallbacks.Add(callback)
}

func (self *ReliableTransport) RemoveDataReceivedCallback(callbackId uint64) {
	self.dataReceivedCallbacks.Remove(callbackId)
}

// called when the client initiates a close
func (self *ReliableTransport) AddConnectionDisconnectingCallback(callback ReliableStateFunction) uint64 {
	return self.connectionDisconnectingCallbacks.Add(callback)
}

// called when the connection ends, from either side
func (self *ReliableTransport) AddConnectionEndedCallback(callback ReliableStateFunction) uint64 {
	return self.connectionEndedCallbacks.Add(callback)
}

func (self *ReliableTransport) Send(toSend any) (uint64, error) {
	return self.SendWithMaxDelay(toSend, self.settings.DefaultMaxDelay)
}

// SendWithMaxDelay queues the payload. Use a delay of 0 to send immediately,
// or a larger delay if more data will be queued soon so that it can be sent in a batch.
// Fails with `ErrTransportClosed` unless the transport is connected.
func (self *ReliableTransport) SendWithMaxDelay(toSend any, maxDelay time.Duration) (uint64, error) {
	payload, err := json.Marshal(toSend)
	if err != nil {
		glog.Infof("[rt]%s attempt to send data that cannot be encoded = %s\n", self.url, err)
		return 0, err
	}

	packetId, err := func() (uint64, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != ReliableStateConnected {
			return 0, ErrTransportClosed
		}
		packetId := self.nextSendPacketId
		self.nextSendPacketId += 1
		self.unackedSentPackets.Add(packetId, payload, ByteCount(len(payload)))
		self.sendPending = true
		return packetId, nil
	}()
	if err != nil {
		return 0, err
	}

	if _, err := self.startSend.Fire(WakeEvent{MaxDelay: maxDelay}); err != nil {
		return 0, err
	}
	return packetId, nil
}

// Disconnect starts a graceful close. The backlog is flushed with an `end` marker,
// and the transport is closed once the client acks everything and sends its own `end`.
func (self *ReliableTransport) Disconnect() {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != ReliableStateConnected {
			return false
		}
		self.state = ReliableStateClosing
		self.sendPending = true
		return true
	}()
	if changed {
		self.startSend.Fire(WakeEvent{})
	}
}

func (self *ReliableTransport) GetDataToSend() json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state.IsTerminal() || !self.sendPending {
		return nil
	}
	self.sendPending = false

	count, _ := self.unackedSentPackets.QueueSize()
	// connected and nothing to send
	if self.state == ReliableStateConnected && count == 0 {
		return nil
	}

	toReturn := map[string]json.RawMessage{}
	for _, packet := range self.unackedSentPackets.Snapshot() {
		toReturn[strconv.FormatUint(packet.PacketId, 10)] = packet.Payload
	}
	if self.state != ReliableStateConnected {
		toReturn["end"] = json.RawMessage("true")
		self.endSent = true
	}

	frameBytes, err := json.Marshal(toReturn)
	if err != nil {
		glog.Infof("[rt]%s frame encode error = %s\n", self.url, err)
		return nil
	}
	return frameBytes
}

// HandleIncomingData processes `{"a": ackId, "d": {"<packetId>": payload}, "end": true}`.
// Malformed frames are logged and ignored.
func (self *ReliableTransport) HandleIncomingData(incoming json.RawMessage) error {
	if self.State().IsTerminal() {
		return nil
	}

	var packetQueue map[string]json.RawMessage
	if err := json.Unmarshal(incoming, &packetQueue); err != nil {
		glog.Infof("[rt]%s received a malformed packet = %s\n", self.url, err)
		return nil
	}

	if ackIdBytes, ok := packetQueue["a"]; ok {
		var ackId uint64
		if err := json.Unmarshal(ackIdBytes, &ackId); err != nil {
			glog.Infof("[rt]%s received a malformed ack = %s\n", self.url, err)
			return nil
		}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.unackedSentPackets.RemoveThrough(ackId)
		}()
	}

	if receivedBytes, ok := packetQueue["d"]; ok {
		var receivedPackets map[string]json.RawMessage
		if err := json.Unmarshal(receivedBytes, &receivedPackets); err != nil {
			glog.Infof("[rt]%s received malformed data = %s\n", self.url, err)
			return nil
		}
		self.receive(receivedPackets)
	}

	if _, ok := packetQueue["end"]; ok {
		self.handleEnd()
	}

	// the client may have missed the last frame
	resend := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		count, _ := self.unackedSentPackets.QueueSize()
		switch self.state {
		case ReliableStateConnected:
			self.sendPending = self.sendPending || 0 < count
		case ReliableStateClosing:
			self.sendPending = true
		default:
			return false
		}
		return self.sendPending
	}()
	if resend {
		self.startSend.Fire(WakeEvent{})
	}
	return nil
}

func (self *ReliableTransport) receive(receivedPackets map[string]json.RawMessage) {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()

	for packetIdStr, payload := range receivedPackets {
		packetId, err := strconv.ParseUint(packetIdStr, 10, 64)
		if err != nil {
			glog.Infof("[rt]%s received a malformed packet id = %q\n", self.url, packetIdStr)
			return
		}
		if self.expectedPacketId <= packetId {
			self.bufferedReceivePackets.Add(packetId, payload, ByteCount(len(payload)))
		}
	}

	for {
		packet, ok := self.bufferedReceivePackets.PeekFirst()
		if !ok || packet.PacketId != self.expectedPacketId {
			return
		}
		self.bufferedReceivePackets.RemoveFirst()
		self.expectedPacketId += 1

		for _, callback := range self.dataReceivedCallbacks.Get() {
			HandleError(func() {
				callback(packet)
			})
		}
	}
}

func (self *ReliableTransport) handleEnd() {
	disconnecting := false
	ended := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		switch self.state {
		case ReliableStateConnected:
			self.state = ReliableStateClosing
			self.sendPending = true
			disconnecting = true
		case ReliableStateClosing:
			count, _ := self.unackedSentPackets.QueueSize()
			if self.endSent && count == 0 {
				ended = true
			}
		}
	}()

	if disconnecting {
		glog.V(LogLevelLifecycle).Infof("[rt]%s client disconnecting\n", self.url)
		for _, callback := range self.connectionDisconnectingCallbacks.Get() {
			HandleError(func() {
				callback(self)
			})
		}
		// respond with our own end
		self.startSend.Fire(WakeEvent{})
	}
	if ended {
		self.Close()
	}
}

// Close ends the connection immediately. Use `Disconnect` for a graceful close.
func (self *ReliableTransport) Close() {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state.IsTerminal() {
			return false
		}
		self.state = ReliableStateClosed
		return true
	}()
	if !changed {
		return
	}

	glog.V(LogLevelLifecycle).Infof("[rt]%s ended\n", self.url)
	self.startSend.Close()
	for _, callback := range self.connectionEndedCallbacks.Get() {
		HandleError(func() {
			callback(self)
		})
	}
}

type LoopbackReliableSettings struct {
	Count    int
	Interval time.Duration
	Reliable *ReliableSettings
}

func DefaultLoopbackReliableSettings() *LoopbackReliableSettings {
	return &LoopbackReliableSettings{
		Count:    20,
		Interval: 2500 * time.Millisecond,
		Reliable: DefaultReliableSettings(),
	}
}

type loopbackReliableMessage struct {
	Time string          `json:"time"`
	Data json.RawMessage `json:"data"`
}

func NewLoopbackReliableTransportWithDefaults(ctx context.Context, url string) *ReliableTransport {
	return NewLoopbackReliableTransport(ctx, url, DefaultLoopbackReliableSettings())
}

// NewLoopbackReliableTransport sends `Count` messages with the most recently received data,
// one every `Interval`, then disconnects.
func NewLoopbackReliableTransport(ctx context.Context, url string, settings *LoopbackReliableSettings) *ReliableTransport {
	transport := NewReliableTransport(url, settings.Reliable)

	var stateLock sync.Mutex
	mostRecentData := json.RawMessage("null")
	transport.AddDataReceivedCallback(func(packet SequencedPacket[json.RawMessage]) {
		stateLock.Lock()
		defer stateLock.Unlock()
		mostRecentData = packet.Payload
	})

	go HandleError(func() {
		for i := 0; i < settings.Count; i += 1 {
			select {
			case <-ctx.Done():
				transport.Close()
				return
			case now := <-time.After(settings.Interval):
				stateLock.Lock()
				data := mostRecentData
				stateLock.Unlock()

				message := &loopbackReliableMessage{
					Time: now.Format(time.RFC1123),
					Data: data,
				}
				if _, err := transport.Send(message); err != nil {
					// closed by the client
					return
				}
			}
		}
		transport.Disconnect()
	})

	return transport
}
