package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped by
// plan execution.
//
// Use cases:
//   - Testing: assert which transitions and interrupts were reported
//   - Debugging: inspect the event history of a plan run
//
// Warning: all events are kept in memory until Clear is called.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // planExecutionID -> events
}

// HistoryFilter specifies criteria for filtering history. Empty fields do
// not filter; set fields are combined with AND.
type HistoryFilter struct {
	NodeExecutionID string // Filter by node (empty = no filter)
	Msg             string // Filter by message (empty = no filter)
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores the event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.PlanExecutionID] = append(b.events[event.PlanExecutionID], event)
}

// GetHistory returns a copy of every event recorded for a plan execution.
func (b *BufferedEmitter) GetHistory(planExecutionID string) []Event {
	return b.GetHistoryWithFilter(planExecutionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of a plan execution matching
// filter, in emission order.
func (b *BufferedEmitter) GetHistoryWithFilter(planExecutionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[planExecutionID] {
		if filter.NodeExecutionID != "" && event.NodeExecutionID != filter.NodeExecutionID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes the events of a plan execution, or all events when
// planExecutionID is empty.
func (b *BufferedEmitter) Clear(planExecutionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if planExecutionID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, planExecutionID)
	}
}

// MultiEmitter fans each event out to several emitters.
type MultiEmitter []Emitter

// Emit forwards the event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
