package events

// Event is a structured state change emitted by the settlement engine.
type Event interface {
	EventType() string
}

// Emitter fans events out to downstream consumers such as the websocket
// stream, the webhook dispatcher and the settlement indexer.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything. Engines hold one
// until the node installs the real broadcaster.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
