package comet

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/golang/glog"
)

// Transport adapts a data producer/consumer to the push-pull shape of a comet connection.
//
// `GetDataToSend` must not block. It returns nil when there is nothing to send.
// Data is returned once. Callers drain it until nil, so a transport must not repeat a frame
// without a new reason to send.
// `StartSend` fires whenever the transport has data ready, so that a blocked poll can collect it.
// `Close` releases the transport. It must be safe to call more than once.
type Transport interface {
	GetDataToSend() json.RawMessage
	HandleIncomingData(incoming json.RawMessage) error
	StartSend() *WakeBroadcaster
	Close()
}

// echoes every incoming payload back, in order
type EchoTransport struct {
	stateLock sync.Mutex
	toSend    *queue.Queue

	startSend *WakeBroadcaster
}

func NewEchoTransport() *EchoTransport {
	return &EchoTransport{
		toSend:    queue.New(),
		startSend: NewWakeBroadcaster("echo"),
	}
}

func (self *EchoTransport) GetDataToSend() json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.toSend.Length() == 0 {
		return nil
	}
	return self.toSend.Remove().(json.RawMessage)
}

func (self *EchoTransport) HandleIncomingData(incoming json.RawMessage) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.toSend.Add(incoming)
	}()
	_, err := self.startSend.Fire(WakeEvent{})
	return err
}

func (self *EchoTransport) StartSend() *WakeBroadcaster {
	return self.startSend
}

func (self *EchoTransport) Close() {
	self.startSend.Close()
}

type LoopbackSettings struct {
	Interval time.Duration
}

func DefaultLoopbackSettings() *LoopbackSettings {
	return &LoopbackSettings{
		Interval: 10 * time.Second,
	}
}

type loopbackMessage struct {
	Ts string          `json:"ts"`
	D  json.RawMessage `json:"d"`
}

// sends the most recent incoming payload, with a timestamp, on an interval
type LoopbackTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LoopbackSettings

	stateLock      sync.Mutex
	mostRecentData json.RawMessage
	toSend         json.RawMessage

	startSend *WakeBroadcaster
}

func NewLoopbackTransportWithDefaults(ctx context.Context) *LoopbackTransport {
	return NewLoopbackTransport(ctx, DefaultLoopbackSettings())
}

func NewLoopbackTransport(ctx context.Context, settings *LoopbackSettings) *LoopbackTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &LoopbackTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		startSend: NewWakeBroadcaster("loopback"),
	}
	transport.tick(time.Now())
	go transport.run()
	return transport
}

func (self *LoopbackTransport) run() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case now := <-time.After(self.settings.Interval):
			if !self.tick(now) {
				return
			}
		}
	}
}

func (self *LoopbackTransport) tick(now time.Time) bool {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		mostRecentData := self.mostRecentData
		if mostRecentData == nil {
			mostRecentData = json.RawMessage("null")
		}
		toSend, err := json.Marshal(&loopbackMessage{
			Ts: now.Format(time.RFC1123),
			D:  mostRecentData,
		})
		if err != nil {
			glog.Infof("[loopback]encode error = %s\n", err)
			return
		}
		self.toSend = toSend
	}()

	if _, err := self.startSend.Fire(WakeEvent{}); err != nil {
		return false
	}
	return true
}

func (self *LoopbackTransport) GetDataToSend() json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	toSend := self.toSend
	self.toSend = nil
	return toSend
}

func (self *LoopbackTransport) HandleIncomingData(incoming json.RawMessage) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.mostRecentData = incoming
	}()
	_, err := self.startSend.Fire(WakeEvent{})
	return err
}

func (self *LoopbackTransport) StartSend() *WakeBroadcaster {
	return self.startSend
}

func (self *LoopbackTransport) Close() {
	self.cancel()
	self.startSend.Close()
}
