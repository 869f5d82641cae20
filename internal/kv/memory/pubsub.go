package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
)

type subscription struct {
	store   *Store
	pattern string
	ch      chan kv.Message
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (sub *subscription) Messages() <-chan kv.Message {
	return sub.ch
}

func (sub *subscription) Close() error {
	sub.closeOnce.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		close(sub.done)
		sub.mu.Unlock()
	})
	return nil
}

// deliver never blocks; a full buffer drops the message, mirroring how a
// Redis server disconnects slow subscribers rather than stalling publishers.
func (sub *subscription) deliver(msg kv.Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		sub.dropped.Add(1)
	}
}

// Publish implements kv.Store.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	s.mu.RLock()
	if err := s.check(ctx, "publish"); err != nil {
		s.mu.RUnlock()
		return err
	}
	targets := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		if kv.MatchPattern(sub.pattern, channel) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(kv.Message{Pattern: sub.pattern, Channel: channel, Payload: message})
	}
	return nil
}

// PSubscribe implements kv.Store. The subscription closes when ctx ends.
func (s *Store) PSubscribe(ctx context.Context, pattern string) (kv.Subscription, error) {
	s.mu.Lock()
	if err := s.check(ctx, "psubscribe"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &subscription{
		store:   s,
		pattern: pattern,
		ch:      make(chan kv.Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}
