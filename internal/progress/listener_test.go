package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-session-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv/memory"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
)

func TestListenerForwardsSessionEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	clk := system.NewManual(time.Unix(1714555800, 0))
	listener := NewListener(store, hub, ListenerConfig{Clock: clk})

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	<-listener.Ready()

	m := session.NewManager(store, nil, nil, session.ManagerConfig{}, nil)
	s, err := m.Create(ctx, "h1", "http://example.com")
	require.NoError(t, err)
	_, err = s.IncCrawledContent(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, session.StatusStopped))
	require.NoError(t, store.Publish(ctx, "unrelated", "complete_tasks"))

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := sink.Events()
	require.Equal(t, Event{SessionID: s.ID(), Field: "crawled_content", Kind: KindCounter, TS: clk.Now()}, events[0])
	require.Equal(t, KindStatusChange, events[1].Kind)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, hub.Close(context.Background()))
}

func TestListenerRetriesWhileStoreIsDown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New()
	store.SetUnavailable(true)
	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	listener := NewListener(store, hub, ListenerConfig{RetryInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	select {
	case <-listener.Ready():
		t.Fatal("ready while store is down")
	case <-time.After(50 * time.Millisecond):
	}

	store.SetUnavailable(false)
	select {
	case <-listener.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never subscribed")
	}
	require.NoError(t, store.Publish(ctx, session.Channel("s1"), "complete_tasks"))
	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	require.True(t, errors.Is(err, context.Canceled))
	require.NoError(t, hub.Close(context.Background()))
}
