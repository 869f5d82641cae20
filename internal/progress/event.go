package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
)

// Kind groups the payloads a session channel carries.
type Kind string

// Event kinds.
const (
	KindCounter      Kind = "counter"
	KindStatusChange Kind = "status_change"
)

// Event is one message observed on a session's stats channel.
type Event struct {
	// SessionID is taken from the channel name.
	SessionID string `json:"session_id"`
	// Field is the raw payload: a counter field name or "status_change".
	Field string `json:"field"`
	Kind  Kind   `json:"kind"`
	// TS is when the listener received the message, not when it was sent.
	TS time.Time `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCounter:
		if _, err := session.ParseCounter(e.Field); err != nil {
			return err
		}
	case KindStatusChange:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// FromMessage decodes a stats-channel message. Messages on foreign channels
// or with unknown payloads are rejected.
func FromMessage(msg kv.Message, now time.Time) (Event, error) {
	id, ok := session.IDFromChannel(msg.Channel)
	if !ok {
		return Event{}, fmt.Errorf("not a session channel: %q", msg.Channel)
	}
	evt := Event{SessionID: id, Field: msg.Payload, TS: now}
	if msg.Payload == session.StatusChangeEvent {
		evt.Kind = KindStatusChange
	} else {
		evt.Kind = KindCounter
	}
	if err := evt.Validate(); err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", msg.Channel, err)
	}
	return evt, nil
}
