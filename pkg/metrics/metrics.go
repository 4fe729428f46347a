/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "gomies"

// Registry holds every collector of the process. It is served by the API server on /metrics.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	HostCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "host",
		Name:      "calls_total",
		Help:      "Total number of calls dispatched to the host by procedure",
	}, []string{"procedure"})
	HostCallErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "host",
		Name:      "call_errors_total",
		Help:      "Total number of failed host calls by error kind",
	}, []string{"kind"})
	HostReconnects = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "host",
		Name:      "reconnects_total",
		Help:      "Total number of reconnections after transport errors",
	})
	HostCallDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "host",
		Name:      "call_duration_seconds",
		Help:      "Duration of host calls",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	NotificationsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "bridge",
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because the bridge is exiting or malformed",
	})

	TestPulseQueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "testpulse",
		Name:      "queue_depth",
		Help:      "Number of test pulse payloads waiting for analysis",
	}, []string{"headstage"})
	TestPulseAnalyzed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "testpulse",
		Name:      "analyzed_total",
		Help:      "Total number of analyzed test pulses",
	}, []string{"headstage"})
	TestPulseDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "testpulse",
		Name:      "dropped_total",
		Help:      "Total number of test pulses dropped before analysis by reason",
	}, []string{"headstage", "reason"})
	TestPulseMalformed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "testpulse",
		Name:      "malformed_total",
		Help:      "Total number of test pulse payloads with missing metadata",
	})

	JournalEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "journal",
		Name:      "events_total",
		Help:      "Total number of events appended to the journal by event tag",
	}, []string{"event"})
)

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
