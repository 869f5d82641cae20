package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-session-coordinator/internal/progress"
)

// PrometheusSink exports session event throughput. Labels stay low
// cardinality: session ids are only counted, never used as label values.
type PrometheusSink struct {
	counterEvents  *prometheus.CounterVec
	statusChanges  prometheus.Counter
	activeSessions prometheus.Gauge
	batchSize      prometheus.Histogram

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		counterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsession_counter_events_total",
			Help: "Session counter increments observed on stats channels, by field.",
		}, []string{"field"}),
		statusChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlsession_status_change_events_total",
			Help: "Session status changes observed on stats channels.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlsession_sessions_observed",
			Help: "Distinct sessions that have published at least one event since startup.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlsession_event_batch_size",
			Help:    "Events per flushed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500, 1000},
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.counterEvents,
		s.statusChanges,
		s.activeSessions,
		s.batchSize,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register session event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.batchSize.Observe(float64(len(batch)))
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindCounter:
			s.counterEvents.WithLabelValues(evt.Field).Inc()
		case progress.KindStatusChange:
			s.statusChanges.Inc()
		}
		if s.tracker.see(evt.SessionID) {
			s.activeSessions.Inc()
		}
	}
	return nil
}

// Forget drops a session from the observed gauge, e.g. once it is retired.
func (s *PrometheusSink) Forget(sessionID string) {
	if s.tracker.forget(sessionID) {
		s.activeSessions.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{seen: make(map[string]struct{})}
}

func (t *sessionTracker) see(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return false
	}
	t.seen[id] = struct{}{}
	return true
}

func (t *sessionTracker) forget(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; !ok {
		return false
	}
	delete(t.seen, id)
	return true
}
