/*
Copyright © 2025 the SARwatch authors.
This file is part of SARwatch.

SARwatch is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SARwatch is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SARwatch.  If not, see <http://www.gnu.org/licenses/>.
*/

package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spatialmodel/sarwatch"
)

// Metrics holds the orchestrator's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so tests and one-shot commands need no
// registry.
type Metrics struct {
	JobsSubmitted        prometheus.Counter
	JobsCompleted        *prometheus.CounterVec
	PollSteps            *prometheus.CounterVec
	PollStepDuration     prometheus.Histogram
	QueueDepth           prometheus.Gauge
	UpstreamRequests     *prometheus.CounterVec
	MeasurementsInserted prometheus.Counter
}

// NewMetrics creates and registers the orchestrator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sarwatch",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted and submitted to the processing service.",
		}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sarwatch",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached a terminal state, by status.",
		}, []string{"status"}),
		PollSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sarwatch",
			Name:      "poll_steps_total",
			Help:      "Queue deliveries processed, by outcome.",
		}, []string{"result"}),
		PollStepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sarwatch",
			Name:      "poll_step_duration_seconds",
			Help:      "Wall-clock duration of poll steps, including inline post-processing.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sarwatch",
			Name:      "queue_depth",
			Help:      "Messages in the durable job queue, due or not.",
		}),
		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sarwatch",
			Name:      "upstream_requests_total",
			Help:      "Calls made to the processing service, by kind.",
		}, []string{"kind"}),
		MeasurementsInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sarwatch",
			Name:      "measurements_inserted_total",
			Help:      "Deformation measurements written by completed jobs.",
		}),
	}
}

func (m *Metrics) jobSubmitted() {
	if m != nil {
		m.JobsSubmitted.Inc()
	}
}

func (m *Metrics) jobCompleted(status sarwatch.JobStatus) {
	if m != nil {
		m.JobsCompleted.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) pollStep(result string, d time.Duration) {
	if m != nil {
		m.PollSteps.WithLabelValues(result).Inc()
		m.PollStepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) upstreamRequest(kind string) {
	if m != nil {
		m.UpstreamRequests.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) measurementsInserted(n int) {
	if m != nil {
		m.MeasurementsInserted.Add(float64(n))
	}
}
