// Package emit delivers observability events raised by the execution core:
// status transitions, interrupt processing and advises.
package emit

// Emitter receives and processes observability events.
//
// Implementations should be:
//   - Non-blocking: status transitions must not wait on a slow backend
//   - Thread-safe: completions and interrupts emit concurrently
//   - Resilient: a failing backend never fails the transition it reports
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// OrNull returns e, or a NullEmitter when e is nil.
func OrNull(e Emitter) Emitter {
	if e == nil {
		return NewNullEmitter()
	}
	return e
}
