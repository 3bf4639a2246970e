// Package metrics exports sync engine measurements to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/cardsync/internal/card"
	"github.com/roach88/cardsync/internal/engine"
)

var states = []card.State{
	card.StateIdle,
	card.StatePending,
	card.StateSaving,
	card.StateSaved,
	card.StateConflict,
	card.StateError,
}

// Metrics holds the engine collectors. It implements engine.Observer.
type Metrics struct {
	Batches      *prometheus.CounterVec
	Attempts     prometheus.Counter
	BatchSize    prometheus.Histogram
	FlushLatency prometheus.Histogram
	Outcomes     *prometheus.CounterVec
	Conflicts    prometheus.Counter
	Status       *prometheus.GaugeVec
}

var _ engine.Observer = (*Metrics)(nil)

// New registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_batches_total",
			Help:      "Save attempts by result.",
		}, []string{"result"}),
		Attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_attempts_total",
			Help:      "Save requests sent, including retries.",
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_batch_size",
			Help:      "Cards per save request.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		FlushLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_latency_seconds",
			Help:      "Time taken by one save attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Per-card save outcomes by kind.",
		}, []string{"kind"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Field conflicts raised.",
		}),
		Status: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status",
			Help:      "1 for the current sync state, 0 otherwise.",
		}, []string{"state"}),
	}
	m.StatusChanged(card.Status{State: card.StateIdle})
	return m
}

// BatchStarted counts an attempt; first attempts also record the batch size.
func (m *Metrics) BatchStarted(items, attempt int) {
	m.Attempts.Inc()
	if attempt == 1 {
		m.BatchSize.Observe(float64(items))
	}
}

func (m *Metrics) BatchFinished(result engine.BatchResult, elapsed time.Duration) {
	m.Batches.WithLabelValues(string(result)).Inc()
	m.FlushLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) OutcomeReceived(kind card.OutcomeKind) {
	m.Outcomes.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ConflictsRaised(n int) {
	m.Conflicts.Add(float64(n))
}

func (m *Metrics) StatusChanged(status card.Status) {
	for _, s := range states {
		v := 0.0
		if s == status.State {
			v = 1
		}
		m.Status.WithLabelValues(string(s)).Set(v)
	}
}
