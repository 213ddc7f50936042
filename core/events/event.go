package events

import "payfwd/core/types"

// Event is a structured state change emitted by the gateway. Payload structs
// carry typed fields and convert themselves into the broadcastable wire form.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter receives events from the engine for downstream fan-out (bus,
// indexers, webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything. Useful when a
// component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
