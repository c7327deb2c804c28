// Package metrics declares the Prometheus counters exported by the watcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation outcomes.
const (
	OutcomeStream = "stream"
	OutcomeDesync = "desync"
	OutcomeOther  = "other"
)

var (
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "k8s_apiwatcher",
		Name:      "invocations_total",
		Help:      "Watch invocations by resource and outcome.",
	}, []string{"resource", "outcome"})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "k8s_apiwatcher",
		Name:      "events_total",
		Help:      "Watch events received by resource and event type.",
	}, []string{"resource", "type"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "k8s_apiwatcher",
		Name:      "decode_errors_total",
		Help:      "Watch streams abandoned because of malformed frames.",
	}, []string{"resource"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "k8s_apiwatcher",
		Name:      "resyncs_total",
		Help:      "Resource version cursor resets after the server reported desync.",
	}, []string{"resource"})
)
