package notify

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and may be called repeatedly.
type Sink interface {
	Name() string
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
