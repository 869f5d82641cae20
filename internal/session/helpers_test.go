package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-session-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv/memory"
	kvredis "github.com/JakeFAU/crawl-session-coordinator/internal/kv/redis"
)

var testEpoch = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) kv.Store
}

var backends = []backend{
	{
		name: "memory",
		open: func(*testing.T) kv.Store { return memory.New() },
	},
	{
		name: "redis",
		open: func(t *testing.T) kv.Store {
			srv := miniredis.RunT(t)
			s, err := kvredis.New(context.Background(), kvredis.Config{URL: "redis://" + srv.Addr()}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	},
}

// eachBackend runs fn against a fresh store of every kind.
func eachBackend(t *testing.T, fn func(t *testing.T, store kv.Store)) {
	t.Helper()
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			fn(t, b.open(t))
		})
	}
}

func newTestManager(store kv.Store) (*Manager, *system.Manual) {
	clk := system.NewManual(testEpoch)
	return NewManager(store, nil, clk, ManagerConfig{}, nil), clk
}

func mustCreate(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Create(context.Background(), "h1", "http://example.com")
	require.NoError(t, err)
	return s
}

// silentStore applies every write but fails every publish.
type silentStore struct {
	kv.Store
}

func (silentStore) Publish(context.Context, string, string) error {
	return fmt.Errorf("publish: %w", kv.ErrUnavailable)
}
