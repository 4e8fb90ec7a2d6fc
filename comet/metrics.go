package comet

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "comet"

// poll outcomes
const (
	PollResultData    = "data"
	PollResultTimeout = "timeout"
	PollResultDiscard = "discard"
	PollResultGone    = "gone"
	PollResultError   = "error"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Number of comet sessions created by handshake.",
	})
	sessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Number of comet sessions closed or expired.",
	})
	sessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "session",
		Name:      "live",
		Help:      "Number of live comet sessions.",
	})
	packetsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "packet",
		Name:      "enqueued_total",
		Help:      "Number of packets queued to send.",
	})
	packetsAcked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "packet",
		Name:      "acked_total",
		Help:      "Number of sent packets removed from the backlog by an ack.",
	})
	packetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "packet",
		Name:      "received_total",
		Help:      "Number of inbound packets delivered in order.",
	})
	polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "poll",
		Name:      "completed_total",
		Help:      "Number of long polls completed, by result.",
	}, []string{"result"})
	pollWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "poll",
		Name:      "wait_seconds",
		Help:      "Time a long poll spent blocked before its response.",
		Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 15, 30, 60},
	})
	channelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "mux",
		Name:      "channel_errors_total",
		Help:      "Number of multiplexed channel errors, by status code.",
	}, []string{"status"})
	channelsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "mux",
		Name:      "channels_opened_total",
		Help:      "Number of multiplexed channels opened.",
	})
)

func observePoll(result string, waitSeconds float64) {
	polls.WithLabelValues(result).Inc()
	pollWaitSeconds.Observe(waitSeconds)
}

func observeChannelError(statusCode int) {
	channelErrors.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}
