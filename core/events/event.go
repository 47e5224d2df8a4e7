package events

// Event represents a structured state change emitted by the settlement
// modules.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the HTTP API or
// the settlement journal).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout broadcasts each event to every wrapped emitter in order. Nil
// emitters are skipped so callers can pass optional sinks directly.
func Fanout(emitters ...Emitter) Emitter {
	kept := make([]Emitter, 0, len(emitters))
	for _, emitter := range emitters {
		if emitter != nil {
			kept = append(kept, emitter)
		}
	}
	return fanout(kept)
}

type fanout []Emitter

// Emit implements the Emitter interface.
func (f fanout) Emit(event Event) {
	for _, emitter := range f {
		emitter.Emit(event)
	}
}

// Recorder collects emitted events in order. It is primarily used by tests and
// by components that drain events after each operation.
type Recorder struct {
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(event Event) {
	r.events = append(r.events, event)
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []Event {
	return r.events
}

// Drain returns the recorded events and resets the recorder.
func (r *Recorder) Drain() []Event {
	drained := r.events
	r.events = nil
	return drained
}
