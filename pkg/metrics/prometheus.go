// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink turns events into Prometheus series labelled by category,
// name and outcome.
type PrometheusSink struct {
	reg      prometheus.Registerer
	duration *prometheus.HistogramVec
	events   *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

// NewPrometheusSink registers the sink's collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them through Serve.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		reg: reg,
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "emqx_bench_phase_duration_seconds",
			Help:    "Duration of each simulated client phase.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"category", "name", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emqx_bench_phase_events_total",
			Help: "The total number of measured phases.",
		}, []string{"category", "name", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emqx_bench_payload_bytes_total",
			Help: "Payload bytes moved by measured phases.",
		}, []string{"category", "name"}),
	}

	for i, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			for _, done := range s.collectors()[:i] {
				reg.Unregister(done)
			}
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.duration, s.events, s.bytes}
}

// Close unregisters the sink's collectors so a later sink can take their
// names.
func (s *PrometheusSink) Close() error {
	for _, c := range s.collectors() {
		s.reg.Unregister(c)
	}
	return nil
}

// Record implements Sink.
func (s *PrometheusSink) Record(ev Event) error {
	outcome := string(ev.Outcome)
	s.duration.WithLabelValues(ev.Category, ev.Name, outcome).Observe(ev.Duration.Seconds())
	s.events.WithLabelValues(ev.Category, ev.Name, outcome).Inc()
	if ev.PayloadSize > 0 {
		s.bytes.WithLabelValues(ev.Category, ev.Name).Add(float64(ev.PayloadSize))
	}
	return nil
}
