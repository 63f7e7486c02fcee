// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/pipewright/pkg/budget"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventRunStarted is emitted when a run begins dispatching.
	EventRunStarted EventType = "run_started"

	// EventRunCompleted is emitted once with the terminal run record.
	EventRunCompleted EventType = "run_completed"

	// EventStageCompleted is emitted for every finalized stage result.
	EventStageCompleted EventType = "stage_completed"

	// EventStageRetry is emitted before a stage sleeps ahead of a retry.
	EventStageRetry EventType = "stage_retry"

	// EventRateLimitWait is emitted after a rate limiter grant or timeout.
	EventRateLimitWait EventType = "rate_limit_wait"

	// EventCacheLookup is emitted for every response cache lookup.
	EventCacheLookup EventType = "cache_lookup"

	// EventCostCommitted is emitted when a stage's cost is committed to the ledger.
	EventCostCommitted EventType = "cost_committed"

	// EventPersistenceError is emitted when the sink rejects a record.
	EventPersistenceError EventType = "persistence_error"
)

// Event represents an engine event. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	RunID     string
	Pipeline  string
	Stage     string
	Resource  string
	Timestamp time.Time

	// Run is set for run events.
	Run *Run
	// Result is set for EventStageCompleted.
	Result *StageResult

	Attempt  int
	Kind     ErrorKind
	Delay    time.Duration
	Waited   time.Duration
	CacheHit bool
	Cost     budget.Amount
	Err      error
}

// EventListener handles engine events. Listeners run on the emitting
// goroutine and must not block.
type EventListener func(ctx context.Context, event *Event)

// EventEmitter manages event listeners and dispatches events.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	all       []EventListener
}

// NewEventEmitter creates a new event emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
	}
}

// On registers an event listener for the specified event type.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// OnAll registers a listener for every event type.
func (e *EventEmitter) OnAll(listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, listener)
}

// Emit dispatches an event to all registered listeners. A nil emitter is a no-op.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) {
	if e == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, 0, len(e.listeners[event.Type])+len(e.all))
	listeners = append(listeners, e.listeners[event.Type]...)
	listeners = append(listeners, e.all...)
	e.mu.RUnlock()

	for _, listener := range listeners {
		listener(ctx, event)
	}
}
