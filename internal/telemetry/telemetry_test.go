package telemetry

import "testing"

func TestPublishDispatchesToAllSubscribers(t *testing.T) {
	q := NewQueue()
	var a, b int
	q.Subscribe(EventFinalize, func(Event) { a++ })
	q.Subscribe(EventFinalize, func(Event) { b++ })
	q.Publish(Event{Type: EventFinalize})
	if a != 1 || b != 1 {
		t.Fatal(a, b)
	}
}

func TestPublishOnlyReachesSubscribersOfItsType(t *testing.T) {
	q := NewQueue()
	var finalizes, collects int
	q.Subscribe(EventFinalize, func(Event) { finalizes++ })
	q.Subscribe(EventCollectGC, func(Event) { collects++ })
	q.Publish(Event{Type: EventCollectGC})
	if finalizes != 0 || collects != 1 {
		t.Fatal(finalizes, collects)
	}
}

func TestStatsTracksCounts(t *testing.T) {
	q := NewQueue()
	q.Publish(Event{Type: EventFinalize})
	q.Publish(Event{Type: EventFinalize})
	q.Publish(Event{Type: EventAllocHint, Hint: HintRamp})
	s := q.Stats()
	if s.Finalizes != 2 || s.Collections != 0 || s.AllocHints != 1 {
		t.Fatal(s)
	}
}

func TestStatsString(t *testing.T) {
	q := NewQueue()
	q.Publish(Event{Type: EventCollectGC})
	str := q.Stats().String()
	if str == "" {
		t.Fatal("expected non-empty rendered table")
	}
}
