// Package telemetry implements the messaging and telemetry subsystem:
// a typed, in-process message queue for finalization and collection
// notifications, allocation pattern hints, and a Stats renderer — spec.md
// §4.I.
//
// The queue is grounded on msg.go's msgMap/MsgConn type enum dispatch
// table, repurposed from "deserialize and dispatch a network message" to
// "dispatch an in-process event to every interested subscriber". There is
// no background goroutine or channel: Publish calls every subscriber
// synchronously. The Stats().String() table
// rendering follows valuesstore.go's ValuesStoreStats.String(), which
// builds a brimtext.Align table from label/value string pairs.
package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gholt/brimtext"
)

// EventType distinguishes the handful of known telemetry/message kinds,
// the direct descendant of msg.go's msgType enum.
type EventType uint8

const (
	EventFinalize   EventType = iota // an object's finalization callback should run
	EventCollectGC                    // a collection pass completed
	EventAllocHint                    // a caller is declaring an allocation pattern (see Hint)
)

func (e EventType) String() string {
	switch e {
	case EventFinalize:
		return "finalize"
	case EventCollectGC:
		return "collect-gc"
	default:
		return "alloc-hint"
	}
}

// Hint names an allocation-pattern declaration a mutator can make ahead
// of a known burst, per spec.md §4.I's "ramp" family.
type Hint uint8

const (
	HintNone Hint = iota
	HintRamp
	HintRampCollectAll
)

// Event is one message carried on the queue.
type Event struct {
	Type    EventType
	Epoch   uint64
	Hint    Hint        // meaningful only when Type == EventAllocHint
	Payload interface{} // *format.Block for EventFinalize, nil otherwise
}

// Handler receives dispatched events.
type Handler func(Event)

// Queue is the typed in-process message dispatcher: subscribers register
// per EventType, the way msgMap.set installs one unmarshaller per
// msgType, except Queue allows any number of subscribers per type since
// finalization and GC-complete events routinely have more than one
// interested subsystem (telemetry logging and the interpreter's
// `.forcegc`-style blocking wait, for instance).
type Queue struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	counts      map[EventType]*uint64
}

func NewQueue() *Queue {
	return &Queue{
		subscribers: make(map[EventType][]Handler),
		counts: map[EventType]*uint64{
			EventFinalize:  new(uint64),
			EventCollectGC: new(uint64),
			EventAllocHint: new(uint64),
		},
	}
}

// Subscribe registers fn to receive every event of the given type.
func (q *Queue) Subscribe(t EventType, fn Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribers[t] = append(q.subscribers[t], fn)
}

// Publish dispatches ev synchronously to every subscriber of its type and
// bumps that type's lifetime counter for Stats.
func (q *Queue) Publish(ev Event) {
	if c, ok := q.counts[ev.Type]; ok {
		atomic.AddUint64(c, 1)
	}
	q.mu.RLock()
	handlers := append([]Handler(nil), q.subscribers[ev.Type]...)
	q.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Stats reports lifetime event counts per type.
type Stats struct {
	Finalizes   uint64
	Collections uint64
	AllocHints  uint64
}

func (q *Queue) Stats() Stats {
	return Stats{
		Finalizes:   atomic.LoadUint64(q.counts[EventFinalize]),
		Collections: atomic.LoadUint64(q.counts[EventCollectGC]),
		AllocHints:  atomic.LoadUint64(q.counts[EventAllocHint]),
	}
}

func (s Stats) String() string {
	return brimtext.Align([][]string{
		{"finalizes", fmt.Sprintf("%d", s.Finalizes)},
		{"collections", fmt.Sprintf("%d", s.Collections)},
		{"alloc-hints", fmt.Sprintf("%d", s.AllocHints)},
	}, nil)
}
