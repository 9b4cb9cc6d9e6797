// Package metrics provides Prometheus instrumentation for the chat client.
// It exposes gauges for connection and room state, counters for message
// throughput, and a histogram for send-to-confirm latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 1 for the current connection state, 0 otherwise.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatkit_connection_state",
		Help: "Current connection state (one-hot across states)",
	}, []string{"state"})

	// ReconnectsTotal counts successful automatic reconnects.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatkit_reconnects_total",
		Help: "Total number of successful automatic reconnects",
	})

	// MessagesTotal counts messages processed, labeled by direction/outcome:
	// "sent", "received", "failed", "retried".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// SendConfirmLatency records the time from optimistic append to server
	// confirmation.
	SendConfirmLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatkit_send_confirm_latency_seconds",
		Help:    "Time from local append to server confirmation",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// RoomsJoined tracks the current number of acknowledged room memberships.
	RoomsJoined = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatkit_rooms_joined",
		Help: "Current number of acknowledged room memberships",
	})

	// NotificationsTotal counts host notifications requested, by priority.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatkit_notifications_total",
		Help: "Total number of host notifications requested",
	}, []string{"priority"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectsTotal,
		MessagesTotal,
		SendConfirmLatency,
		RoomsJoined,
		NotificationsTotal,
	)
}

// SetConnectionState flips the one-hot state gauge to the given state.
func SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "reconnecting"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
