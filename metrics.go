package pollchat

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects client-side request and synchronization metrics. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StaleResponses  *prometheus.CounterVec
	PollFailures    *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollchat_requests_total",
				Help: "Total requests issued to the chat service",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pollchat_request_duration_seconds",
				Help:    "Chat service request duration",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		StaleResponses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollchat_stale_responses_total",
				Help: "Responses dropped because a newer request or conversation superseded them",
			},
			[]string{"resource"},
		),
		PollFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pollchat_poll_failures_total",
				Help: "Failed polling fetches",
			},
			[]string{"task"},
		),
	}
}

func (m *Metrics) observeRequest(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.Requests.WithLabelValues(endpoint, label).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) staleResponse(resource string) {
	if m == nil {
		return
	}
	m.StaleResponses.WithLabelValues(resource).Inc()
}

func (m *Metrics) pollFailure(task string) {
	if m == nil {
		return
	}
	m.PollFailures.WithLabelValues(task).Inc()
}
