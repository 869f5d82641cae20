package redis

import (
	"context"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
)

type subscription struct {
	ps        *goredis.PubSub
	out       chan kv.Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Messages() <-chan kv.Message {
	return s.out
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.ps.Close()
	})
	return s.closeErr
}

// PSubscribe implements kv.Store. It waits for the server to confirm the
// subscription before returning, so messages published after this call are
// delivered. The subscription ends when ctx is done or Close is called.
func (s *Store) PSubscribe(ctx context.Context, pattern string) (kv.Subscription, error) {
	ps := s.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		if closeErr := ps.Close(); closeErr != nil {
			s.logger.Warn("Failed to close pubsub after subscribe failure", zap.Error(closeErr))
		}
		return nil, wrap("psubscribe", err)
	}
	sub := &subscription{
		ps:   ps,
		out:  make(chan kv.Message),
		done: make(chan struct{}),
	}
	go sub.pump(ctx, ps.Channel())
	return sub, nil
}

func (s *subscription) pump(ctx context.Context, in <-chan *goredis.Message) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- kv.Message{Pattern: msg.Pattern, Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				_ = s.Close()
				return
			case <-s.done:
				return
			}
		}
	}
}
