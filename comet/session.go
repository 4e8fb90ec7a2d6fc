package comet

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type DataReceivedFunction func(payload string)

// Session is the per client logical connection.
//
// It holds the backlog of sent packets not yet acknowledged by the client,
// the persistent variables merged from each request,
// and the broadcaster fired whenever new data is queued.
// All field access is serialized by `stateLock`. The lock is never held across a wait.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	id SessionId

	stateLock          sync.Mutex
	variables          map[string]string
	nextSendPacketId   uint64
	unackedSentPackets *packetQueue[string]
	highestAckedId     uint64
	lastActivityTime   time.Time
	closed             bool

	// inbound packets are delivered in order, one delivery at a time
	receiveLock            sync.Mutex
	receiveStarted         bool
	nextReceivePacketId    uint64
	bufferedReceivePackets *packetQueue[string]

	dataReceivedCallbacks *CallbackList[DataReceivedFunction]

	dataSent *WakeBroadcaster
}

func NewSession(ctx context.Context, id SessionId) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:                    cancelCtx,
		cancel:                 cancel,
		id:                     id,
		variables:              map[string]string{},
		nextSendPacketId:       1,
		unackedSentPackets:     newPacketQueue[string](),
		highestAckedId:         0,
		lastActivityTime:       time.Now(),
		bufferedReceivePackets: newPacketQueue[string](),
		dataReceivedCallbacks:  NewCallbackList[DataReceivedFunction](),
		dataSent:               NewWakeBroadcaster(id.String()),
	}
}

func (self *Session) Id() SessionId {
	return self.id
}

// closed when the session closes
func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) DataSent() *WakeBroadcaster {
	return self.dataSent
}

// Enqueue assigns the next packet id to the payload, appends it to the backlog,
// and fires the data sent broadcaster.
func (self *Session) Enqueue(payload string) (uint64, error) {
	packetId, err := func() (uint64, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return 0, ErrSessionClosed
		}

		packetId := self.nextSendPacketId
		self.nextSendPacketId += 1
		self.unackedSentPackets.Add(packetId, payload, ByteCount(len(payload)))
		return packetId, nil
	}()
	if err != nil {
		return 0, err
	}

	packetsEnqueued.Inc()
	glog.V(LogLevelDebug).Infof("[session]%s enqueue %d\n", self.id, packetId)

	if _, err := self.dataSent.Fire(WakeEvent{}); err != nil {
		// the session closed after the packet was added
		glog.V(LogLevelDebug).Infof("[session]%s enqueue %d fire error = %s\n", self.id, packetId, err)
		return packetId, ErrSessionClosed
	}
	return packetId, nil
}

// Ack removes every backlog packet with an id at or below `highestAckedId`.
// Acks at or below the current watermark are ignored.
// An ack above the last sent packet id acks through the last sent packet id.
func (self *Session) Ack(highestAckedId uint64) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	highestAckedId = min(highestAckedId, self.nextSendPacketId-1)
	if highestAckedId <= self.highestAckedId {
		return 0
	}
	self.highestAckedId = highestAckedId
	removedCount := self.unackedSentPackets.RemoveThrough(highestAckedId)
	packetsAcked.Add(float64(removedCount))
	glog.V(LogLevelDebug).Infof("[session]%s ack %d removed = %d\n", self.id, highestAckedId, removedCount)
	return removedCount
}

func (self *Session) HighestAckedId() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.highestAckedId
}

func (self *Session) HasUnackedSentPackets() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	count, _ := self.unackedSentPackets.QueueSize()
	return 0 < count
}

// a snapshot, sorted ascending by packet id
func (self *Session) UnackedSentPackets() []Packet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unackedSentPackets.Snapshot()
}

func (self *Session) BacklogSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unackedSentPackets.QueueSize()
}

// WaitForData returns the unacked packets if there are any.
// Otherwise it registers a listener on the data sent broadcaster.
// The check and the registration happen in one critical section so that an enqueue
// cannot slip between them.
func (self *Session) WaitForData(
	timeout time.Duration,
	onSignal WakeFunction,
	onTimeout TimeoutFunction,
) (packets []Packet, listener *WakeListener, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, nil, ErrSessionClosed
	}

	if count, _ := self.unackedSentPackets.QueueSize(); 0 < count {
		return self.unackedSentPackets.Snapshot(), nil, nil
	}

	listener, err = self.dataSent.AddListener(timeout, onSignal, onTimeout)
	return nil, listener, err
}

// MergeVariables overwrites same-named session variables with the given values.
func (self *Session) MergeVariables(variables map[string]string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	maps.Copy(self.variables, variables)
}

func (self *Session) Variable(key string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.variables[key]
	return value, ok
}

func (self *Session) Variables() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.variables)
}

func (self *Session) Touch() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastActivityTime = time.Now()
}

func (self *Session) LastActivityTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastActivityTime
}

func (self *Session) AddDataReceivedCallback(callback DataReceivedFunction) uint64 {
	return self.dataReceivedCallbacks.Add(callback)
}

func (self *Session) RemoveDataReceivedCallback(callbackId uint64) {
	self.dataReceivedCallbacks.Remove(callbackId)
}

// ReceiveData accepts a sequenced packet from the client.
// The first packet received sets the expected packet id. After that, packets below the
// expected id are duplicates and dropped, packets above it are buffered until the gap fills.
func (self *Session) ReceiveData(packetId uint64, payload string) {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()

	if !self.receiveStarted {
		self.receiveStarted = true
		self.nextReceivePacketId = packetId
	}

	if packetId < self.nextReceivePacketId {
		glog.V(LogLevelDebug).Infof("[session]%s drop duplicate %d\n", self.id, packetId)
		return
	}
	if self.nextReceivePacketId < packetId {
		// a packet was dropped. Hold on to this one.
		self.bufferedReceivePackets.Add(packetId, payload, ByteCount(len(payload)))
		return
	}

	self.deliver(payload)
	self.nextReceivePacketId += 1

	for {
		packet, ok := self.bufferedReceivePackets.PeekFirst()
		if !ok || packet.PacketId != self.nextReceivePacketId {
			break
		}
		self.bufferedReceivePackets.RemoveFirst()
		self.deliver(packet.Payload)
		self.nextReceivePacketId += 1
	}
}

// Deliver passes an unsequenced payload to the data received callbacks.
func (self *Session) Deliver(payload string) {
	self.receiveLock.Lock()
	defer self.receiveLock.Unlock()
	self.deliver(payload)
}

// must be called with the receive lock
func (self *Session) deliver(payload string) {
	packetsReceived.Inc()
	for _, callback := range self.dataReceivedCallbacks.Get() {
		HandleError(func() {
			callback(payload)
		})
	}
}

func (self *Session) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// Close releases any blocked waiter and cancels the session context.
func (self *Session) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.stateLock.Unlock()

	self.dataSent.Close()
	self.cancel()
}
