package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hub-side counters and gauges. Registered on the default registry and
// served from /metrics.
var (
	ViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentra_violations_total",
		Help: "Violation events accepted for escalation.",
	})

	DuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentra_duplicates_total",
		Help: "Violation events dropped as replayed duplicates.",
	})

	HelpRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentra_help_requests_total",
		Help: "Help requests relayed to supervisors.",
	})
)

var gaugeOnce sync.Once

// RegisterConnectionGauges exposes live connection counts as gauges
// evaluated at scrape time, so self-healed disconnects are always
// reflected. Only the first caller's closures are registered; the
// default registry rejects duplicates.
func RegisterConnectionGauges(operators, supervisors func() float64) {
	gaugeOnce.Do(func() {
		registerConnectionGauges(operators, supervisors)
	})
}

func registerConnectionGauges(operators, supervisors func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "sentra_connections",
		Help:        "Live websocket connections by role.",
		ConstLabels: prometheus.Labels{"role": "operator"},
	}, operators)
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "sentra_connections",
		Help:        "Live websocket connections by role.",
		ConstLabels: prometheus.Labels{"role": "supervisor"},
	}, supervisors)
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
