package progress

import "context"

// Sink consumes batches of session events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events; Hub satisfies it.
type Emitter interface {
	Emit(evt Event)
}
