package comet

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
)

// Monitor hands out a notify channel that is closed on the next `NotifyAll`.
// Callers take the channel before checking state so that no update is missed.
type Monitor struct {
	mutex  sync.Mutex
	notify chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		notify: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notify
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.notify)
	self.notify = make(chan struct{})
}

type callbackEntry[T any] struct {
	callbackId uint64
	callback   T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId uint64
	callbacks      []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.callbacks))
	for i, entry := range self.callbacks {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) (callbackId uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextCallbackId += 1
	callbackId = self.nextCallbackId
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks
	return
}

func (self *CallbackList[T]) Remove(callbackId uint64) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return false
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
	return true
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// Event is a cancel context that can be tied to process signals.
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) SetOnSignals(signals ...os.Signal) func() {
	stopSignal := make(chan os.Signal, len(signals))
	signal.Notify(stopSignal, signals...)
	go func() {
		defer signal.Stop(stopSignal)
		select {
		case _, ok := <-stopSignal:
			if ok {
				self.cancel()
			}
		case <-self.ctx.Done():
		}
	}()
	return func() {
		signal.Stop(stopSignal)
	}
}
