package comet

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestWakeBroadcasterTimeout(t *testing.T) {
	broadcaster := NewWakeBroadcaster("test")

	timeout := 50 * time.Millisecond

	signaled := make(chan struct{}, 1)
	timedOut := make(chan time.Time, 1)
	startTime := time.Now()
	_, err := broadcaster.AddListener(
		timeout,
		func(event WakeEvent) {
			signaled <- struct{}{}
		},
		func() {
			timedOut <- time.Now()
		},
	)
	assert.Equal(t, nil, err)

	select {
	case endTime := <-timedOut:
		assert.Equal(t, true, timeout <= endTime.Sub(startTime))
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// a fire after the timeout does not resolve the listener again
	n, err := broadcaster.Fire(WakeEvent{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, n)

	select {
	case <-signaled:
		t.FailNow()
	case <-time.After(timeout):
	}
	assert.Equal(t, 0, broadcaster.ListenerCount())
}

func TestWakeBroadcasterSignal(t *testing.T) {
	broadcaster := NewWakeBroadcaster("test")

	n := 100

	var signalCount atomic.Int64
	var timeoutCount atomic.Int64
	for i := 0; i < n; i += 1 {
		_, err := broadcaster.AddListener(
			time.Minute,
			func(event WakeEvent) {
				signalCount.Add(1)
			},
			func() {
				timeoutCount.Add(1)
			},
		)
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, n, broadcaster.ListenerCount())

	fireCount, err := broadcaster.Fire(WakeEvent{})
	assert.Equal(t, nil, err)
	assert.Equal(t, n, fireCount)

	fireCount, err = broadcaster.Fire(WakeEvent{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, fireCount)

	assert.Equal(t, int64(n), signalCount.Load())
	assert.Equal(t, int64(0), timeoutCount.Load())
	assert.Equal(t, 0, broadcaster.ListenerCount())
}

func TestWakeBroadcasterExactlyOnce(t *testing.T) {
	// listeners race their timeout against concurrent fires
	broadcaster := NewWakeBroadcaster("test")

	n := 1000

	var wg sync.WaitGroup
	var resolveCounts [1000]atomic.Int64
	var signalCount atomic.Int64
	var timeoutCount atomic.Int64
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		_, err := broadcaster.AddListener(
			time.Duration(i%10)*time.Millisecond,
			func(event WakeEvent) {
				resolveCounts[i].Add(1)
				signalCount.Add(1)
				wg.Done()
			},
			func() {
				resolveCounts[i].Add(1)
				timeoutCount.Add(1)
				wg.Done()
			},
		)
		assert.Equal(t, nil, err)
	}

	go func() {
		for i := 0; i < 10; i += 1 {
			broadcaster.Fire(WakeEvent{})
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()

	for i := 0; i < n; i += 1 {
		assert.Equal(t, int64(1), resolveCounts[i].Load())
	}
	assert.Equal(t, int64(n), signalCount.Load()+timeoutCount.Load())
}

func TestWakeBroadcasterRemove(t *testing.T) {
	broadcaster := NewWakeBroadcaster("test")

	timeout := 20 * time.Millisecond

	var resolveCount atomic.Int64
	listener, err := broadcaster.AddListener(
		timeout,
		func(event WakeEvent) {
			resolveCount.Add(1)
		},
		func() {
			resolveCount.Add(1)
		},
	)
	assert.Equal(t, nil, err)

	assert.Equal(t, true, broadcaster.RemoveListener(listener))
	assert.Equal(t, false, broadcaster.RemoveListener(listener))

	broadcaster.Fire(WakeEvent{})
	time.Sleep(4 * timeout)
	assert.Equal(t, int64(0), resolveCount.Load())
}

func TestWakeBroadcasterInfiniteTimeout(t *testing.T) {
	broadcaster := NewWakeBroadcaster("test")

	signaled := make(chan WakeEvent, 1)
	_, err := broadcaster.AddListener(
		InfiniteTimeout,
		func(event WakeEvent) {
			signaled <- event
		},
		nil,
	)
	assert.Equal(t, nil, err)

	select {
	case <-signaled:
		t.FailNow()
	case <-time.After(50 * time.Millisecond):
	}

	broadcaster.Fire(WakeEvent{MaxDelay: time.Second})
	select {
	case event := <-signaled:
		assert.Equal(t, time.Second, event.MaxDelay)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestWakeBroadcasterReentrant(t *testing.T) {
	// callbacks run outside the lock and may use the broadcaster
	broadcaster := NewWakeBroadcaster("test")

	done := make(chan struct{})
	_, err := broadcaster.AddListener(
		time.Minute,
		func(event WakeEvent) {
			broadcaster.AddListener(
				time.Minute,
				func(event WakeEvent) {
					close(done)
				},
				nil,
			)
			broadcaster.ListenerCount()
		},
		nil,
	)
	assert.Equal(t, nil, err)

	broadcaster.Fire(WakeEvent{})
	assert.Equal(t, 1, broadcaster.ListenerCount())
	broadcaster.Fire(WakeEvent{})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestWakeBroadcasterSubscribeAndClose(t *testing.T) {
	broadcaster := NewWakeBroadcaster("test")

	var fireCount atomic.Int64
	unsubscribe := broadcaster.Subscribe(func(event WakeEvent) {
		fireCount.Add(1)
	})

	broadcaster.Fire(WakeEvent{})
	broadcaster.Fire(WakeEvent{})
	assert.Equal(t, int64(2), fireCount.Load())

	unsubscribe()
	broadcaster.Fire(WakeEvent{})
	assert.Equal(t, int64(2), fireCount.Load())

	timedOut := make(chan struct{})
	_, err := broadcaster.AddListener(
		InfiniteTimeout,
		nil,
		func() {
			close(timedOut)
		},
	)
	assert.Equal(t, nil, err)

	// close resolves the pending listener through its timeout path
	broadcaster.Close()
	select {
	case <-timedOut:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	assert.Equal(t, true, broadcaster.IsClosed())
	_, err = broadcaster.Fire(WakeEvent{})
	assert.Equal(t, ErrBroadcasterClosed, err)
	_, err = broadcaster.AddListener(time.Second, nil, nil)
	assert.Equal(t, ErrBroadcasterClosed, err)
}

func TestWakeBroadcasterPanic(t *testing.T) {
	broadcaster := NewWakeBroadcaster("test")

	signaled := make(chan struct{})
	broadcaster.AddListener(
		time.Minute,
		func(event WakeEvent) {
			panic("listener error")
		},
		nil,
	)
	broadcaster.AddListener(
		time.Minute,
		func(event WakeEvent) {
			close(signaled)
		},
		nil,
	)

	n, err := broadcaster.Fire(WakeEvent{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, n)

	select {
	case <-signaled:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}
