package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
)

const defaultRetryInterval = 2 * time.Second

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// ListenerConfig tunes a Listener.
type ListenerConfig struct {
	// Pattern defaults to session.ChannelMask.
	Pattern string
	// RetryInterval is the pause before resubscribing after a failure.
	RetryInterval time.Duration
	Clock         Clock
	Logger        *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Listener subscribes to session stats channels and forwards decoded events.
type Listener struct {
	store   kv.Store
	emitter Emitter
	cfg     ListenerConfig
	logger  *zap.Logger
	ready   chan struct{}
}

// NewListener wires a Listener to store and emitter.
func NewListener(store kv.Store, emitter Emitter, cfg ListenerConfig) *Listener {
	if cfg.Pattern == "" {
		cfg.Pattern = session.ChannelMask
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		store:   store,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first subscription is confirmed.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run subscribes and forwards events until ctx ends. Subscription failures
// and dropped subscriptions are retried; Run only returns ctx's error.
func (l *Listener) Run(ctx context.Context) error {
	first := true
	for {
		err := l.listen(ctx, &first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("Session event subscription ended, retrying",
			zap.String("pattern", l.cfg.Pattern),
			zap.Duration("retry_in", l.cfg.RetryInterval),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}

var errSubscriptionClosed = errors.New("subscription closed")

func (l *Listener) listen(ctx context.Context, first *bool) error {
	sub, err := l.store.PSubscribe(ctx, l.cfg.Pattern)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			l.logger.Debug("Closing session event subscription failed", zap.Error(err))
		}
	}()
	if *first {
		*first = false
		close(l.ready)
	}
	l.logger.Info("Listening for session events", zap.String("pattern", l.cfg.Pattern))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return errSubscriptionClosed
			}
			evt, err := FromMessage(msg, l.cfg.Clock.Now())
			if err != nil {
				l.logger.Debug("Ignoring session channel message", zap.Error(err))
				continue
			}
			l.emitter.Emit(evt)
		}
	}
}
