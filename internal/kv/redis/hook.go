package redis

import (
	"context"
	"errors"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/metrics"
)

// metricsHook records per-command latency and outcome.
type metricsHook struct{}

func (metricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			metrics.ObserveStoreCommand("dial", "unavailable", 0)
		}
		return conn, err
	}
}

func (metricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		metrics.ObserveStoreCommand(cmd.Name(), commandResult(err), time.Since(start))
		return err
	}
}

func (metricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		metrics.ObserveStoreCommand("pipeline", commandResult(err), time.Since(start))
		return err
	}
}

func commandResult(err error) string {
	switch {
	case err == nil, errors.Is(err, goredis.Nil):
		return "ok"
	case errors.Is(wrap("", err), kv.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
