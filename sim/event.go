package sim

import (
	"container/heap"
	"context"
)

// TaskFunc is a unit of cooperative work. It runs to completion without
// suspending; anything it wants to happen later it must Defer or Schedule.
type TaskFunc func(ctx context.Context, now int64) error

// Event defines the interface for timed simulation events.
// Each event has a Timestamp (in ticks) and an Execute method that
// mutates market state when the clock reaches it.
type Event interface {
	Timestamp() int64
	Execute(ctx context.Context, s *Scheduler) error
}

// TaskEvent adapts a named TaskFunc into an Event.
type TaskEvent struct {
	time int64
	name string
	fn   TaskFunc
}

// NewTaskEvent wraps fn to run at tick t.
func NewTaskEvent(t int64, name string, fn TaskFunc) *TaskEvent {
	return &TaskEvent{time: t, name: name, fn: fn}
}

func (e *TaskEvent) Timestamp() int64 { return e.time }
func (e *TaskEvent) Name() string     { return e.name }

// Execute runs the wrapped task at the scheduler's current tick.
func (e *TaskEvent) Execute(ctx context.Context, s *Scheduler) error {
	return e.fn(ctx, s.Now())
}

// eventEntry wraps an Event with a sequence ID for deterministic FIFO
// tie-breaking when timestamps are equal.
type eventEntry struct {
	event Event
	seqID int64
}

// eventQueue is a min-heap ordered by (Timestamp, seqID).
// Implements heap.Interface.
type eventQueue []eventEntry

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].event.Timestamp() != q[j].event.Timestamp() {
		return q[i].event.Timestamp() < q[j].event.Timestamp()
	}
	return q[i].seqID < q[j].seqID
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) {
	*q = append(*q, x.(eventEntry))
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// popDue removes and returns, in order, every event due at or before now.
func (q *eventQueue) popDue(now int64) []Event {
	var due []Event
	for q.Len() > 0 && (*q)[0].event.Timestamp() <= now {
		due = append(due, heap.Pop(q).(eventEntry).event)
	}
	return due
}

// peek returns the earliest pending event without removing it.
func (q eventQueue) peek() Event {
	if len(q) == 0 {
		return nil
	}
	return q[0].event
}
