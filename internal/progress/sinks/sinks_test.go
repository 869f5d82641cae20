package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-session-coordinator/internal/progress"
	"github.com/JakeFAU/crawl-session-coordinator/internal/publisher/memory"
	"github.com/JakeFAU/crawl-session-coordinator/internal/store"
)

var t0 = time.Unix(1714555800, 0).UTC()

func sampleBatch() []progress.Event {
	return []progress.Event{
		{SessionID: "s1", Field: "complete_tasks", Kind: progress.KindCounter, TS: t0},
		{SessionID: "s1", Field: "complete_tasks", Kind: progress.KindCounter, TS: t0.Add(2 * time.Second)},
		{SessionID: "s2", Field: "failed_tasks", Kind: progress.KindCounter, TS: t0.Add(time.Second)},
		{SessionID: "s1", Field: "status_change", Kind: progress.KindStatusChange, TS: t0.Add(3 * time.Second)},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.counterEvents.WithLabelValues("complete_tasks")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.counterEvents.WithLabelValues("failed_tasks")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.statusChanges), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(sink.activeSessions), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchSize, "crawlsession_event_batch_size"))

	sink.Forget("s2")
	sink.Forget("s2")
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.activeSessions), 1e-9)

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration")
}

func TestStoreSinkCollapsesDeltas(t *testing.T) {
	t.Parallel()

	repo := &fakeEventRepo{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.Equal(t, []eventCall{
		{sessionID: "s1", field: "complete_tasks", delta: 2, at: t0.Add(2 * time.Second)},
		{sessionID: "s2", field: "failed_tasks", delta: 1, at: t0.Add(time.Second)},
		{sessionID: "s1", field: "status_change", delta: 1, at: t0.Add(3 * time.Second)},
	}, repo.calls)
}

func TestStoreSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeEventRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), sampleBatch())
	require.ErrorContains(t, err, "s1/complete_tasks")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), sampleBatch()))
}

func TestPublisherSinkForwardsBatch(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "session-events", nil)
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Consume(context.Background(), nil))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "session-events", msgs[0].Topic)
	batch, ok := msgs[0].Payload.(Batch)
	require.True(t, ok)
	require.Len(t, batch.Events, 4)
}

func TestPublisherSinkError(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t", nil)
	require.ErrorContains(t, sink.Consume(context.Background(), sampleBatch()), "forward 4 session events")
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	require.Equal(t, 4, logs.Len())
	require.Equal(t, 1, logs.FilterMessage("Session status changed").Len())
}

type eventCall struct {
	sessionID string
	field     string
	delta     int64
	at        time.Time
}

type fakeEventRepo struct {
	fail  bool
	calls []eventCall
}

func (f *fakeEventRepo) AddEventCount(_ context.Context, sessionID, field string, delta int64, at time.Time) error {
	if f.fail {
		return errors.New("db down")
	}
	f.calls = append(f.calls, eventCall{sessionID: sessionID, field: field, delta: delta, at: at})
	return nil
}

func (f *fakeEventRepo) ListEventCounts(context.Context, string) ([]store.EventCount, error) {
	return nil, errors.New("not implemented")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}
