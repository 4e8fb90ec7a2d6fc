package comet

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
)

// BindTransport connects a transport to a session.
//
// Payloads the session receives are passed to `transport.HandleIncomingData`.
// Whenever the transport fires its start send broadcaster, the pump drains
// `GetDataToSend` into `session.Enqueue`.
// The transport is closed when the session closes or `ctx` is done.
func BindTransport(ctx context.Context, session *Session, transport Transport) {
	cancelCtx, cancel := context.WithCancel(ctx)

	monitor := NewMonitor()
	unsubscribe := transport.StartSend().Subscribe(func(event WakeEvent) {
		monitor.NotifyAll()
	})

	receiveCallbackId := session.AddDataReceivedCallback(func(payload string) {
		err := transport.HandleIncomingData(json.RawMessage(payload))
		if err != nil {
			glog.Infof("[session]%s transport receive error = %s\n", session.Id(), err)
		}
	})

	go HandleError(func() {
		defer func() {
			cancel()
			unsubscribe()
			session.RemoveDataReceivedCallback(receiveCallbackId)
			transport.Close()
			glog.V(LogLevelLifecycle).Infof("[session]%s transport unbound\n", session.Id())
		}()

		for {
			notify := monitor.NotifyChannel()
			for {
				toSend := transport.GetDataToSend()
				if toSend == nil {
					break
				}
				if _, err := session.Enqueue(string(toSend)); err != nil {
					return
				}
			}

			select {
			case <-cancelCtx.Done():
				return
			case <-session.Done():
				return
			case <-notify:
			}
		}
	})
}
