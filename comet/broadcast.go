package comet

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// a listener timeout that disables the timeout path.
// The listener only resolves on a fire, a remove, or a close.
const InfiniteTimeout time.Duration = -1

// WakeEvent is passed to listeners when a broadcaster fires.
// `MaxDelay` is the longest the producer is willing to let the data wait before it is sent.
type WakeEvent struct {
	MaxDelay time.Duration
}

type WakeFunction func(event WakeEvent)

type TimeoutFunction func()

// WakeListener is the handle returned by `AddListener`.
type WakeListener struct {
	listenerId uint64
	timer      *time.Timer
	onSignal   WakeFunction
	onTimeout  TimeoutFunction
}

// WakeBroadcaster is a multicast event with a per listener timeout.
//
// Each listener registered with `AddListener` resolves exactly once,
// either through `onSignal` when the broadcaster fires before the timeout,
// or through `onTimeout`. Removing a listener before it resolves means neither runs.
// Resolution is claimed by deleting the listener from the registry under the state lock,
// and callbacks always run outside the lock so they may re-enter the broadcaster.
//
// Subscribers added with `Subscribe` are not one-shot. They are called on every fire
// until unsubscribed.
type WakeBroadcaster struct {
	tag string

	stateLock      sync.Mutex
	nextListenerId uint64
	listeners      map[uint64]*WakeListener
	closed         bool

	subscribers *CallbackList[WakeFunction]
}

func NewWakeBroadcaster(tag string) *WakeBroadcaster {
	return &WakeBroadcaster{
		tag:         tag,
		listeners:   map[uint64]*WakeListener{},
		subscribers: NewCallbackList[WakeFunction](),
	}
}

func (self *WakeBroadcaster) AddListener(
	timeout time.Duration,
	onSignal WakeFunction,
	onTimeout TimeoutFunction,
) (*WakeListener, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, ErrBroadcasterClosed
	}

	self.nextListenerId += 1
	listener := &WakeListener{
		listenerId: self.nextListenerId,
		onSignal:   onSignal,
		onTimeout:  onTimeout,
	}
	self.listeners[listener.listenerId] = listener
	if 0 <= timeout {
		listener.timer = time.AfterFunc(timeout, func() {
			self.expire(listener)
		})
	}
	return listener, nil
}

func (self *WakeBroadcaster) expire(listener *WakeListener) {
	if !self.claim(listener) {
		return
	}
	glog.V(LogLevelDebug).Infof("[wake]%s timeout %d\n", self.tag, listener.listenerId)
	if listener.onTimeout != nil {
		HandleError(listener.onTimeout)
	}
}

// returns true if the caller now owns the resolution of the listener
func (self *WakeBroadcaster) claim(listener *WakeListener) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.listeners[listener.listenerId]; !ok {
		return false
	}
	delete(self.listeners, listener.listenerId)
	if listener.timer != nil {
		listener.timer.Stop()
	}
	return true
}

// RemoveListener cancels the listener.
// Returns false if the listener already resolved. In that case a callback
// may be running concurrently.
func (self *WakeBroadcaster) RemoveListener(listener *WakeListener) bool {
	if listener == nil {
		return false
	}
	return self.claim(listener)
}

// Fire resolves every registered listener through its signal path and calls every subscriber.
// Returns the number of listeners resolved.
func (self *WakeBroadcaster) Fire(event WakeEvent) (int, error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return 0, ErrBroadcasterClosed
	}
	listeners := make([]*WakeListener, 0, len(self.listeners))
	for _, listener := range self.listeners {
		if listener.timer != nil {
			listener.timer.Stop()
		}
		listeners = append(listeners, listener)
	}
	clear(self.listeners)
	self.stateLock.Unlock()

	glog.V(LogLevelDebug).Infof("[wake]%s fire listeners = %d\n", self.tag, len(listeners))

	for _, listener := range listeners {
		if listener.onSignal != nil {
			HandleError(func() {
				listener.onSignal(event)
			})
		}
	}
	for _, subscriber := range self.subscribers.Get() {
		HandleError(func() {
			subscriber(event)
		})
	}
	return len(listeners), nil
}

// Subscribe registers a callback that runs on every fire until the returned function is called.
func (self *WakeBroadcaster) Subscribe(callback WakeFunction) (unsubscribe func()) {
	callbackId := self.subscribers.Add(callback)
	return func() {
		self.subscribers.Remove(callbackId)
	}
}

func (self *WakeBroadcaster) ListenerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.listeners)
}

func (self *WakeBroadcaster) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// Close stops all timers and resolves the remaining listeners through their timeout path,
// so that blocked waiters complete. Subsequent fires and registrations fail.
func (self *WakeBroadcaster) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	listeners := make([]*WakeListener, 0, len(self.listeners))
	for _, listener := range self.listeners {
		if listener.timer != nil {
			listener.timer.Stop()
		}
		listeners = append(listeners, listener)
	}
	clear(self.listeners)
	self.stateLock.Unlock()

	for _, listener := range listeners {
		if listener.onTimeout != nil {
			HandleError(listener.onTimeout)
		}
	}
}
