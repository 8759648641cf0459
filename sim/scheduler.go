package sim

import (
	"container/heap"
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultMaxDrainPasses bounds how many drain passes one tick may take
// before the scheduler declares a stall.
const DefaultMaxDrainPasses = 10000

// SchedulerStats counts scheduler activity for reporting.
type SchedulerStats struct {
	Ticks          int64
	DrainPasses    int64
	TasksRun       int64
	BenignFailures map[ErrorKind]int
}

type readyTask struct {
	name string
	fn   TaskFunc
}

// Scheduler owns the virtual clock and the queue of ready continuations.
//
// Time only moves through Advance. After every unit step the scheduler drains
// the ready queue to a fixed point: each drain pass first runs the drain hooks
// (lazy expiry checks), then moves timers due at the current tick into the
// ready queue, then runs every task that was ready when the pass began, in
// FIFO order. Work deferred by a task runs in the next pass of the same tick.
// No task ever observes a clock value later than the tick it was queued for.
//
// Thread-safety: NOT thread-safe. All actors are multiplexed onto the single
// goroutine that calls Advance.
type Scheduler struct {
	clock          int64
	timers         eventQueue
	ready          []readyTask
	hooks          []TaskFunc
	seq            int64
	maxDrainPasses int
	stats          SchedulerStats
	onBenign       []func(name string, err error)
}

// NewScheduler creates a scheduler at tick 0. maxDrainPasses <= 0 selects
// DefaultMaxDrainPasses.
func NewScheduler(maxDrainPasses int) *Scheduler {
	if maxDrainPasses <= 0 {
		maxDrainPasses = DefaultMaxDrainPasses
	}
	return &Scheduler{
		timers:         make(eventQueue, 0),
		maxDrainPasses: maxDrainPasses,
		stats:          SchedulerStats{BenignFailures: make(map[ErrorKind]int)},
	}
}

// Now returns the current virtual time in ticks.
func (s *Scheduler) Now() int64 { return s.clock }

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() SchedulerStats {
	out := s.stats
	out.BenignFailures = make(map[ErrorKind]int, len(s.stats.BenignFailures))
	for k, v := range s.stats.BenignFailures {
		out.BenignFailures[k] = v
	}
	return out
}

// Pending returns the number of queued tasks plus pending timers.
func (s *Scheduler) Pending() int { return len(s.ready) + s.timers.Len() }

// Defer queues fn to run at the current tick, after every task queued before it.
func (s *Scheduler) Defer(name string, fn TaskFunc) {
	s.ready = append(s.ready, readyTask{name: name, fn: fn})
}

// Schedule registers a timed event. Events for the current tick join the
// ready queue on the next drain pass; events in the past are rejected.
func (s *Scheduler) Schedule(ev Event) error {
	if ev.Timestamp() < s.clock {
		return &Error{
			Kind: KindInvalidArgument,
			Op:   "schedule",
			Err:  fmt.Errorf("event %s at tick %d is before current tick %d", eventName(ev), ev.Timestamp(), s.clock),
		}
	}
	s.seq++
	heap.Push(&s.timers, eventEntry{event: ev, seqID: s.seq})
	return nil
}

// AddDrainHook registers fn to run at the top of every drain pass.
func (s *Scheduler) AddDrainHook(fn TaskFunc) {
	s.hooks = append(s.hooks, fn)
}

// OnBenign registers an observer for benign failures swallowed by the drain loop.
func (s *Scheduler) OnBenign(fn func(name string, err error)) {
	s.onBenign = append(s.onBenign, fn)
}

// DrainOnce runs one drain pass and returns how many tasks it executed.
// Benign failures are counted and dropped; the first fatal failure stops
// the pass and is returned.
func (s *Scheduler) DrainOnce(ctx context.Context) (int, error) {
	s.stats.DrainPasses++
	for _, hook := range s.hooks {
		if err := s.handle("drain-hook", hook(ctx, s.clock)); err != nil {
			return 0, err
		}
	}
	for _, ev := range s.timers.popDue(s.clock) {
		s.ready = append(s.ready, eventTask(ev, s))
	}

	batch := s.ready
	s.ready = nil
	for i, t := range batch {
		if err := ctx.Err(); err != nil {
			s.ready = append(batch[i:], s.ready...)
			return i, err
		}
		s.stats.TasksRun++
		if err := s.handle(t.name, t.fn(ctx, s.clock)); err != nil {
			s.ready = append(batch[i+1:], s.ready...)
			return i + 1, err
		}
	}
	return len(batch), nil
}

// Drain runs passes until a pass finds nothing to do and leaves nothing behind.
// Returns a DrainStall error if the current tick does not settle within the
// configured number of passes.
func (s *Scheduler) Drain(ctx context.Context) error {
	for pass := 0; ; pass++ {
		if pass >= s.maxDrainPasses {
			return s.stallError()
		}
		n, err := s.DrainOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 && len(s.ready) == 0 && !s.hasDue() {
			return nil
		}
	}
}

// Advance settles the current tick, then moves the clock forward one tick at
// a time, draining to a fixed point after each step.
func (s *Scheduler) Advance(ctx context.Context, ticks int64) error {
	if ticks < 0 {
		return &Error{Kind: KindInvalidArgument, Op: "advance", Err: fmt.Errorf("negative tick delta %d", ticks)}
	}
	if err := s.Drain(ctx); err != nil {
		return err
	}
	for i := int64(0); i < ticks; i++ {
		s.clock++
		s.stats.Ticks++
		if err := s.Drain(ctx); err != nil {
			return err
		}
	}
	logrus.Debugf("[tick %07d] Advanced %d ticks", s.clock, ticks)
	return nil
}

// NextEventTime returns the timestamp of the earliest pending timer.
func (s *Scheduler) NextEventTime() (int64, bool) {
	ev := s.timers.peek()
	if ev == nil {
		return 0, false
	}
	return ev.Timestamp(), true
}

func (s *Scheduler) hasDue() bool {
	ev := s.timers.peek()
	return ev != nil && ev.Timestamp() <= s.clock
}

func (s *Scheduler) handle(name string, err error) error {
	if err == nil {
		return nil
	}
	if IsBenign(err) {
		kind := KindOf(err)
		s.stats.BenignFailures[kind]++
		logrus.Debugf("[tick %07d] %s dropped: %v", s.clock, name, err)
		for _, fn := range s.onBenign {
			fn(name, err)
		}
		return nil
	}
	logrus.Warnf("[tick %07d] %s failed: %v", s.clock, name, err)
	return fmt.Errorf("tick %d: %s: %w", s.clock, name, err)
}

func (s *Scheduler) stallError() error {
	names := make([]string, 0, 5)
	for i, t := range s.ready {
		if i == 5 {
			names = append(names, fmt.Sprintf("... %d more", len(s.ready)-5))
			break
		}
		names = append(names, t.name)
	}
	return &Error{
		Kind: KindDrainStall,
		Op:   "drain",
		Err: fmt.Errorf("tick %d did not settle after %d passes; pending: [%s]",
			s.clock, s.maxDrainPasses, strings.Join(names, ", ")),
	}
}

func eventTask(ev Event, s *Scheduler) readyTask {
	return readyTask{
		name: eventName(ev),
		fn: func(ctx context.Context, _ int64) error {
			return ev.Execute(ctx, s)
		},
	}
}

func eventName(ev Event) string {
	if named, ok := ev.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", ev)
}
