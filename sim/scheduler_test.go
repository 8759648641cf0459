package sim

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Defer_RunsFIFOWithinTick(t *testing.T) {
	// GIVEN three tasks deferred in order at tick 0
	s := NewScheduler(0)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		s.Defer(name, func(context.Context, int64) error {
			order = append(order, name)
			return nil
		})
	}

	// WHEN the tick is drained
	require.NoError(t, s.Drain(context.Background()))

	// THEN they ran in FIFO order without the clock moving
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, int64(0), s.Now())
}

func TestScheduler_Defer_CascadeRunsInLaterPassSameTick(t *testing.T) {
	s := NewScheduler(0)
	var trail []string
	s.Defer("outer", func(_ context.Context, now int64) error {
		trail = append(trail, fmt.Sprintf("outer@%d", now))
		s.Defer("inner", func(_ context.Context, now int64) error {
			trail = append(trail, fmt.Sprintf("inner@%d", now))
			return nil
		})
		return nil
	})
	s.Defer("sibling", func(_ context.Context, now int64) error {
		trail = append(trail, fmt.Sprintf("sibling@%d", now))
		return nil
	})

	require.NoError(t, s.Advance(context.Background(), 0))

	// Work deferred by a task runs after every task queued before it.
	assert.Equal(t, []string{"outer@0", "sibling@0", "inner@0"}, trail)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_Schedule_FiresAtExactTick(t *testing.T) {
	s := NewScheduler(0)
	var firedAt []int64
	record := func(_ context.Context, now int64) error {
		firedAt = append(firedAt, now)
		return nil
	}
	require.NoError(t, s.Schedule(NewTaskEvent(5, "late", record)))
	require.NoError(t, s.Schedule(NewTaskEvent(3, "early", record)))
	require.NoError(t, s.Schedule(NewTaskEvent(3, "early-2", record)))

	next, ok := s.NextEventTime()
	require.True(t, ok)
	assert.Equal(t, int64(3), next)

	require.NoError(t, s.Advance(context.Background(), 4))
	assert.Equal(t, []int64{3, 3}, firedAt)

	require.NoError(t, s.Advance(context.Background(), 1))
	assert.Equal(t, []int64{3, 3, 5}, firedAt)
	_, ok = s.NextEventTime()
	assert.False(t, ok)
}

func TestScheduler_Schedule_RejectsPast(t *testing.T) {
	s := NewScheduler(0)
	require.NoError(t, s.Advance(context.Background(), 10))

	err := s.Schedule(NewTaskEvent(9, "stale", func(context.Context, int64) error { return nil }))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// Current tick is allowed.
	assert.NoError(t, s.Schedule(NewTaskEvent(10, "now", func(context.Context, int64) error { return nil })))
}

func TestScheduler_Advance_RejectsNegative(t *testing.T) {
	s := NewScheduler(0)
	err := s.Advance(context.Background(), -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(0), s.Now())
}

func TestScheduler_ClockNeverRunsAheadOfTasks(t *testing.T) {
	// GIVEN a task that records the tick it observes and re-queues itself at the next tick
	s := NewScheduler(0)
	var seen []int64
	var tick TaskFunc
	tick = func(_ context.Context, now int64) error {
		seen = append(seen, now)
		if now < 3 {
			return s.Schedule(NewTaskEvent(now+1, "tick", tick))
		}
		return nil
	}
	require.NoError(t, s.Schedule(NewTaskEvent(0, "tick", tick)))

	require.NoError(t, s.Advance(context.Background(), 10))

	// THEN each tick is observed once, in order
	assert.Equal(t, []int64{0, 1, 2, 3}, seen)
	assert.Equal(t, int64(10), s.Now())
	assert.Equal(t, int64(10), s.Stats().Ticks)
}

func TestScheduler_BenignErrorsSwallowedAndCounted(t *testing.T) {
	s := NewScheduler(0)
	var observed []string
	s.OnBenign(func(name string, err error) {
		observed = append(observed, name+":"+KindOf(err).String())
	})
	ran := false
	s.Defer("loser", func(context.Context, int64) error {
		return newError(KindStaleState, "test", KindService, "s-1")
	})
	s.Defer("after", func(context.Context, int64) error {
		ran = true
		return nil
	})

	require.NoError(t, s.Drain(context.Background()))

	assert.True(t, ran, "a benign failure must not stop later tasks")
	assert.Equal(t, []string{"loser:StaleState"}, observed)
	assert.Equal(t, 1, s.Stats().BenignFailures[KindStaleState])
}

func TestScheduler_FatalErrorAbortsAdvance(t *testing.T) {
	s := NewScheduler(0)
	require.NoError(t, s.Schedule(NewTaskEvent(2, "boom", func(context.Context, int64) error {
		return newError(KindDoubleRelease, "release", KindProvider, "p-1")
	})))

	err := s.Advance(context.Background(), 5)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDoubleRelease)
	assert.Equal(t, int64(2), s.Now(), "clock stops at the failing tick")
}

func TestScheduler_UnclassifiedErrorIsFatal(t *testing.T) {
	s := NewScheduler(0)
	s.Defer("plain", func(context.Context, int64) error { return errors.New("disk on fire") })
	err := s.Drain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestScheduler_DrainStall(t *testing.T) {
	// GIVEN a task that re-defers itself forever
	s := NewScheduler(20)
	var spin TaskFunc
	spin = func(context.Context, int64) error {
		s.Defer("spin", spin)
		return nil
	}
	s.Defer("spin", spin)

	err := s.Drain(context.Background())

	assert.ErrorIs(t, err, ErrDrainStall)
	assert.Contains(t, err.Error(), "spin")
}

func TestScheduler_DrainHooksRunEveryPass(t *testing.T) {
	s := NewScheduler(0)
	hookCalls := 0
	s.AddDrainHook(func(context.Context, int64) error {
		hookCalls++
		return nil
	})
	s.Defer("a", func(context.Context, int64) error {
		s.Defer("b", func(context.Context, int64) error { return nil })
		return nil
	})

	require.NoError(t, s.Drain(context.Background()))

	// Passes: {a}, {b}, {} -> three hook calls.
	assert.Equal(t, 3, hookCalls)
	assert.Equal(t, int64(3), s.Stats().DrainPasses)
}

func TestScheduler_CancelledContextLeavesWorkQueued(t *testing.T) {
	s := NewScheduler(0)
	s.Defer("a", func(context.Context, int64) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Drain(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Pending())
}
