package fiber

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// runUntil drives the scheduler on the test goroutine until stop is set by
// one of the fibers.
func runUntil(s *Scheduler, stop *atomic.Bool) {
	s.Run(stop)
}

func TestSpawnRunsInFIFOOrder(t *testing.T) {
	s := New()
	var stop atomic.Bool
	var order []int

	for i := 0; i < 4; i++ {
		i := i
		s.Spawn(func() {
			order = append(order, i)
			if i == 3 {
				stop.Store(true)
			}
		})
	}
	runUntil(s, &stop)

	require.Equal(t, []int{0, 1, 2, 3}, order)
	require.EqualValues(t, 4, s.FiberRuns())
}

func TestYieldInterleavesFibers(t *testing.T) {
	s := New()
	var stop atomic.Bool
	var order []string

	s.Spawn(func() {
		order = append(order, "a1")
		s.Yield()
		order = append(order, "a2")
	})
	s.Spawn(func() {
		order = append(order, "b1")
		s.Yield()
		order = append(order, "b2")
		stop.Store(true)
	})
	runUntil(s, &stop)

	require.Equal(t, []string{"a1", "b1", "a2", "b2"}, order)
}

func TestParkAndWake(t *testing.T) {
	s := New()
	var stop atomic.Bool
	var woke bool
	var parked *Fiber

	s.Spawn(func() {
		parked = s.Current()
		s.Park()
		woke = true
		stop.Store(true)
	})
	s.Spawn(func() {
		require.Equal(t, StateParked, parked.State())
		require.True(t, s.Wake(parked))
	})
	runUntil(s, &stop)

	require.True(t, woke)
	require.Equal(t, StateFinished, parked.State())
}

func TestWakeIsNoOpUnlessParked(t *testing.T) {
	s := New()
	var stop atomic.Bool
	var ready *Fiber

	s.Spawn(func() {
		// Second fiber is still Ready at this point.
		require.False(t, s.Wake(ready))
		// Waking self while running is a no-op too.
		require.False(t, s.Wake(s.Current()))
	})
	ready = s.Spawn(func() {
		stop.Store(true)
	})
	runUntil(s, &stop)

	require.False(t, s.Wake(ready), "finished fiber must not wake")
}

func TestPollerRunsBetweenRounds(t *testing.T) {
	s := New()
	var stop atomic.Bool
	var parked *Fiber
	polls := 0

	s.SetPoller(func() {
		polls++
		if parked != nil && parked.State() == StateParked {
			s.Wake(parked)
		}
	})
	s.Spawn(func() {
		parked = s.Current()
		s.Park()
		stop.Store(true)
	})
	runUntil(s, &stop)

	require.GreaterOrEqual(t, polls, 1)
}

func TestSleeperParksUntilWoken(t *testing.T) {
	s := New()
	var stop atomic.Bool
	rounds := 0

	var sl *Sleeper
	sl = SpawnSleeper(s, nil, func() bool {
		rounds++
		return true // park after every round
	})

	s.Spawn(func() {
		// First sleeper round already ran; wake it twice more.
		sl.Wake()
		s.Yield()
		sl.Wake()
		s.Yield()
		sl.Stop()
		stop.Store(true)
	})
	runUntil(s, &stop)

	require.Equal(t, 3, rounds)
}
