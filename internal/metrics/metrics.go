// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wkserver_poll_cycles_total",
		Help: "Number of completed poll cycles",
	})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkserver_poll_errors_total",
		Help: "Number of failed remote queries, per calendar",
	}, []string{"calendar"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wkserver_poll_duration_seconds",
		Help:    "Duration of PollOnce across all calendars",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	CalendarEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wkserver_calendar_events",
		Help: "Number of normalized events currently held, per calendar",
	}, []string{"calendar"})

	UnboundCalendars = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wkserver_unbound_calendars",
		Help: "Configured calendars without a matching remote calendar",
	})

	MalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wkserver_malformed_events_total",
		Help: "Raw events or VEVENT components skipped because they could not be decoded",
	})

	SubscriberFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wkserver_subscriber_failures_total",
		Help: "Subscriber callbacks that returned an error or panicked",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wkserver_subscribers",
		Help: "Number of registered calendar update subscribers",
	})

	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wkserver_calls_total",
		Help: "Inbound call envelopes by outcome",
	}, []string{"result"})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wkserver_connections",
		Help: "Number of open client connections",
	})
)

// Call outcomes used as the "result" label of Calls.
const (
	CallOK        = "ok"
	CallMalformed = "malformed"
	CallAuth      = "auth"
	CallMethod    = "method"
	CallFailed    = "failed"
)
