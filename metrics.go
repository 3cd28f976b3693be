package miltertap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "miltertap_sessions_total",
			Help: "Total number of MTA connections accepted",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "miltertap_sessions_active",
			Help: "Number of MTA connections currently open",
		},
	)

	messagesAnalyzed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "miltertap_messages_total",
			Help: "Total number of messages assembled and analyzed",
		},
	)

	sessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miltertap_session_errors_total",
			Help: "Connection-fatal errors by kind",
		},
		[]string{"kind"},
	)

	unknownCommands = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "miltertap_unknown_commands_total",
			Help: "Frames received with an unrecognized command code",
		},
	)
)
