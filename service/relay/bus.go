package relay

import "context"

// Handler consumes one inbound relay payload. Implementations run it on
// the bus's receive goroutine; it must not publish back onto the bus.
type Handler func(ctx context.Context, payload []byte)

// Bus is the cross-node fan-out channel. Exactly one Subscribe runs per
// process; every node sees every published payload, including its own
// (the consumer filters echoes by origin).
type Bus interface {
	// Publish sends one payload to every node. Best effort: callers
	// log failures and keep serving local traffic.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe starts the background listener and returns once it is
	// running. Cancelling ctx stops it.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
