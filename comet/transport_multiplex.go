package comet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type MultiplexSettings struct {
	// how long `GetDataToSend` and `HandleIncomingData` wait for the channel lock
	LockTimeout time.Duration
	// delay before a wake is retried after the channel lock could not be acquired
	RetryDelay time.Duration
}

func DefaultMultiplexSettings() *MultiplexSettings {
	return &MultiplexSettings{
		LockTimeout: 50 * time.Millisecond,
		RetryDelay:  100 * time.Millisecond,
	}
}

// a mutex that supports a bounded wait
type timedMutex struct {
	lock chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{
		lock: make(chan struct{}, 1),
	}
}

func (self *timedMutex) TryLock(timeout time.Duration) bool {
	select {
	case self.lock <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case self.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (self *timedMutex) LockContext(ctx context.Context) bool {
	select {
	case self.lock <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (self *timedMutex) Unlock() {
	<-self.lock
}

// client request to open a channel, `{"tid": transportId, "u": "path?query"}`
type channelOpenRequest struct {
	Tid json.RawMessage `json:"tid"`
	U   string          `json:"u"`
}

// MultiplexTransport fans one connection out to many child transports keyed by transport id.
//
// Outbound frames are `{"m": {"a": [acked ids], "<id>": errorStatus}, "<id>": childPayload}`.
// Inbound frames are `{"m": [{"tid": id, "u": url}], "<id>": childPayload}`.
// A failure in one channel is recorded as that channel's status code and never fails
// the frame for the other channels.
type MultiplexTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	resolver TransportResolver
	settings *MultiplexSettings

	channelsLock        *timedMutex
	channels            map[TransportId]Transport
	channelUnsubscribes map[TransportId]func()
	// channels to ack in the next outbound frame
	requestedChannels map[TransportId]bool
	channelErrors     map[TransportId]int

	retryLock  sync.Mutex
	retryTimer *time.Timer
	closed     bool

	startSend *WakeBroadcaster
}

func NewMultiplexTransportWithDefaults(ctx context.Context, resolver TransportResolver) *MultiplexTransport {
	return NewMultiplexTransport(ctx, resolver, DefaultMultiplexSettings())
}

func NewMultiplexTransport(ctx context.Context, resolver TransportResolver, settings *MultiplexSettings) *MultiplexTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MultiplexTransport{
		ctx:                 cancelCtx,
		cancel:              cancel,
		resolver:            resolver,
		settings:            settings,
		channelsLock:        newTimedMutex(),
		channels:            map[TransportId]Transport{},
		channelUnsubscribes: map[TransportId]func(){},
		requestedChannels:   map[TransportId]bool{},
		channelErrors:       map[TransportId]int{},
		startSend:           NewWakeBroadcaster("mux"),
	}
}

func (self *MultiplexTransport) StartSend() *WakeBroadcaster {
	return self.startSend
}

// GetDataToSend never blocks longer than the lock timeout.
// If the channel lock is busy, a wake is scheduled and nil is returned.
func (self *MultiplexTransport) GetDataToSend() json.RawMessage {
	if !self.channelsLock.TryLock(self.settings.LockTimeout) {
		glog.Infof("[mux]get data lock timeout. Retry in %s\n", self.settings.RetryDelay)
		self.scheduleRetry()
		return nil
	}
	defer self.channelsLock.Unlock()

	toReturn := map[string]json.RawMessage{}

	if 0 < len(self.requestedChannels)+len(self.channelErrors) {
		controlInformation := map[string]any{}
		if 0 < len(self.requestedChannels) {
			acks := maps.Keys(self.requestedChannels)
			slices.Sort(acks)
			controlInformation["a"] = acks
			clear(self.requestedChannels)
		}
		for transportId, statusCode := range self.channelErrors {
			controlInformation[transportIdKey(transportId)] = statusCode
		}
		clear(self.channelErrors)

		controlBytes, err := json.Marshal(controlInformation)
		if err != nil {
			glog.Infof("[mux]control encode error = %s\n", err)
		} else {
			toReturn["m"] = controlBytes
		}
	}

	for transportId, channel := range self.channels {
		var dataToSend json.RawMessage
		HandleError(func() {
			dataToSend = channel.GetDataToSend()
		}, func(err error) {
			self.setChannelError(transportId, http.StatusInternalServerError)
		})
		if dataToSend != nil {
			toReturn[transportIdKey(transportId)] = dataToSend
		}
	}

	// returning a non-nil empty frame would prevent long polling
	if len(toReturn) == 0 {
		return nil
	}

	frameBytes, err := json.Marshal(toReturn)
	if err != nil {
		glog.Infof("[mux]frame encode error = %s\n", err)
		return nil
	}
	return frameBytes
}

func (self *MultiplexTransport) scheduleRetry() {
	self.retryLock.Lock()
	defer self.retryLock.Unlock()

	if self.closed || self.retryTimer != nil {
		return
	}
	self.retryTimer = time.AfterFunc(self.settings.RetryDelay, func() {
		func() {
			self.retryLock.Lock()
			defer self.retryLock.Unlock()
			self.retryTimer = nil
		}()
		self.startSend.Fire(WakeEvent{
			MaxDelay: self.settings.RetryDelay,
		})
	})
}

// HandleIncomingData routes a frame to the child channels.
// If the channel lock is busy, the frame is processed asynchronously once the lock is free.
func (self *MultiplexTransport) HandleIncomingData(incoming json.RawMessage) error {
	if !self.channelsLock.TryLock(self.settings.LockTimeout) {
		glog.Infof("[mux]handle data lock timeout. Processing asynchronously.\n")
		go HandleError(func() {
			if !self.channelsLock.LockContext(self.ctx) {
				return
			}
			notify, err := func() (bool, error) {
				defer self.channelsLock.Unlock()
				return self.handleIncomingData(incoming)
			}()
			if err != nil {
				glog.Infof("[mux]async handle data error = %s\n", err)
			}
			if notify {
				self.startSend.Fire(WakeEvent{})
			}
		})
		return nil
	}

	notify, err := func() (bool, error) {
		defer self.channelsLock.Unlock()
		return self.handleIncomingData(incoming)
	}()
	if notify {
		self.startSend.Fire(WakeEvent{})
	}
	return err
}

// must be called with the channels lock
// returns true if there are acks or errors to report
func (self *MultiplexTransport) handleIncomingData(incoming json.RawMessage) (bool, error) {
	var request map[string]json.RawMessage
	if err := json.Unmarshal(incoming, &request); err != nil {
		return false, NewStatusError(http.StatusBadRequest, "Malformed multiplex frame: %s", err)
	}

	if m, ok := request["m"]; ok {
		var openRequests []channelOpenRequest
		if err := json.Unmarshal(m, &openRequests); err != nil {
			return false, NewStatusError(http.StatusBadRequest, "Malformed channel requests: %s", err)
		}
		for _, openRequest := range openRequests {
			transportId, err := parseTransportIdJson(openRequest.Tid)
			if err != nil {
				glog.Infof("[mux]bad channel request tid = %s\n", openRequest.Tid)
				continue
			}
			self.openChannel(transportId, openRequest.U)
		}
	}

	for key, channelData := range request {
		if key == "m" {
			continue
		}
		transportId, err := ParseTransportId(key)
		if err != nil {
			glog.Infof("[mux]bad channel key = %q\n", key)
			continue
		}
		channel, ok := self.channels[transportId]
		if !ok {
			self.setChannelError(transportId, http.StatusGone)
			continue
		}
		HandleError(func() {
			if err := channel.HandleIncomingData(channelData); err != nil {
				glog.V(LogLevelLifecycle).Infof("[mux]channel %d data error = %s\n", transportId, err)
				self.setChannelError(transportId, StatusCodeOf(err))
			}
		}, func(err error) {
			self.setChannelError(transportId, http.StatusInternalServerError)
		})
	}

	return 0 < len(self.requestedChannels)+len(self.channelErrors), nil
}

// must be called with the channels lock
func (self *MultiplexTransport) openChannel(transportId TransportId, channelUrl string) {
	if _, ok := self.channels[transportId]; ok {
		// already established, re-ack
		self.requestedChannels[transportId] = true
		return
	}

	glog.V(LogLevelLifecycle).Infof("[mux]channel %d requested: %s\n", transportId, channelUrl)

	var channel Transport
	var err error
	HandleError(func() {
		channel, err = ResolveTransportUrl(self.ctx, self.resolver, channelUrl, transportId)
	}, func(panicErr error) {
		err = panicErr
	})
	if err != nil {
		glog.Infof("[mux]channel %d could not be established (%s) = %s\n", transportId, channelUrl, err)
		self.setChannelError(transportId, StatusCodeOf(err))
		return
	}

	// when a channel is ready to send, this transport is ready to send
	unsubscribe := channel.StartSend().Subscribe(func(event WakeEvent) {
		self.startSend.Fire(event)
	})
	self.channels[transportId] = channel
	self.channelUnsubscribes[transportId] = unsubscribe
	self.requestedChannels[transportId] = true
	channelsOpened.Inc()
}

// must be called with the channels lock
func (self *MultiplexTransport) setChannelError(transportId TransportId, statusCode int) {
	self.channelErrors[transportId] = statusCode
	observeChannelError(statusCode)
}

func (self *MultiplexTransport) Channel(transportId TransportId) (Transport, bool) {
	if !self.channelsLock.LockContext(self.ctx) {
		return nil, false
	}
	defer self.channelsLock.Unlock()
	channel, ok := self.channels[transportId]
	return channel, ok
}

// channel errors not yet reported to the client
func (self *MultiplexTransport) PendingChannelErrors() map[TransportId]int {
	if !self.channelsLock.LockContext(self.ctx) {
		return map[TransportId]int{}
	}
	defer self.channelsLock.Unlock()
	return maps.Clone(self.channelErrors)
}

// Close closes every child channel. A child that fails to close is logged and skipped.
func (self *MultiplexTransport) Close() {
	func() {
		self.retryLock.Lock()
		defer self.retryLock.Unlock()
		self.closed = true
		if self.retryTimer != nil {
			self.retryTimer.Stop()
			self.retryTimer = nil
		}
	}()

	self.channelsLock.LockContext(context.Background())
	channels := self.channels
	unsubscribes := self.channelUnsubscribes
	self.channels = map[TransportId]Transport{}
	self.channelUnsubscribes = map[TransportId]func(){}
	self.channelsLock.Unlock()

	self.cancel()

	for transportId, channel := range channels {
		if unsubscribe, ok := unsubscribes[transportId]; ok {
			unsubscribe()
		}
		HandleError(channel.Close, func(err error) {
			glog.Infof("[mux]error when closing channel %d = %s\n", transportId, err)
		})
	}

	self.startSend.Close()
}

func parseTransportIdJson(tid json.RawMessage) (TransportId, error) {
	tid = bytes.TrimSpace(tid)
	if 0 == len(tid) {
		return 0, fmt.Errorf("Missing transport id")
	}
	if tid[0] == '"' {
		var tidStr string
		if err := json.Unmarshal(tid, &tidStr); err != nil {
			return 0, err
		}
		return ParseTransportId(tidStr)
	}
	var tidNumber json.Number
	if err := json.Unmarshal(tid, &tidNumber); err != nil {
		return 0, err
	}
	if transportId, err := tidNumber.Int64(); err == nil {
		return transportId, nil
	}
	tidFloat, err := tidNumber.Float64()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strconv.FormatFloat(tidFloat, 'f', 0, 64), 10, 64)
}
