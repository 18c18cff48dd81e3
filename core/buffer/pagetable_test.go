package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageTableInsertFindErase(t *testing.T) {
	pt := NewPageTable(64)

	for i := uint64(1); i <= 40; i++ {
		require.True(t, pt.Insert(i, NewFrameTag(i*10)))
	}
	require.Equal(t, 40, pt.Len())

	for i := uint64(1); i <= 40; i++ {
		tag := pt.Find(i)
		require.NotNil(t, tag, "key %d", i)
		require.Equal(t, i*10, tag.BID())
	}
	require.Nil(t, pt.Find(999))

	// Erase the odd keys; the even ones must survive the backshifts.
	for i := uint64(1); i <= 40; i += 2 {
		require.True(t, pt.Erase(i))
	}
	require.False(t, pt.Erase(1), "double erase")
	require.Equal(t, 20, pt.Len())

	for i := uint64(1); i <= 40; i++ {
		tag := pt.Find(i)
		if i%2 == 0 {
			require.NotNil(t, tag, "key %d lost to backshift", i)
			require.Equal(t, i*10, tag.BID())
		} else {
			require.Nil(t, tag, "key %d not deleted", i)
		}
	}
}

func TestPageTableInsertReplaces(t *testing.T) {
	pt := NewPageTable(8)
	require.True(t, pt.Insert(7, NewFrameTag(1)))
	require.False(t, pt.Insert(7, NewFrameTag(2)), "second insert is an update")
	require.Equal(t, uint64(2), pt.Find(7).BID())
	require.Equal(t, 1, pt.Len())
}

func TestPageTableFindReturnsStoredSlot(t *testing.T) {
	pt := NewPageTable(8)
	pt.Insert(3, NewFrameTag(5))

	tag := pt.Find(3)
	tag.SetDirty(true)
	require.True(t, pt.Find(3).Dirty(), "flag update must hit the stored word")
}

func TestPageTableProbeOverflowIsFatal(t *testing.T) {
	pt := NewPageTable(256)
	require.Panics(t, func() {
		for i := uint64(1); i <= 300; i++ {
			pt.Insert(i, NewFrameTag(i))
		}
	})
}

func TestPageTableCapacityMustBePowerOfTwo(t *testing.T) {
	require.Panics(t, func() { NewPageTable(48) })
	require.Panics(t, func() { NewPageTable(0) })
}

func TestClockSweepVisitsOccupiedOnce(t *testing.T) {
	pt := NewPageTable(16)
	pt.Insert(1, NewFrameTag(1))
	pt.Insert(2, NewFrameTag(2))
	pt.Insert(3, NewFrameTag(3))

	visits := 0
	accepted := pt.ClockSweepNext(func(pid PID, tag *FrameTag) bool {
		visits++
		return false
	})
	require.False(t, accepted, "nothing accepted in a full rotation")
	require.Equal(t, 3, visits)
}

func TestClockSweepHandAdvancesPastAcceptedSlot(t *testing.T) {
	pt := NewPageTable(16)
	pt.Insert(1, NewFrameTag(1))
	pt.Insert(2, NewFrameTag(2))
	pt.Insert(3, NewFrameTag(3))

	seen := map[PID]int{}
	for i := 0; i < 3; i++ {
		ok := pt.ClockSweepNext(func(pid PID, tag *FrameTag) bool {
			seen[pid]++
			return true
		})
		require.True(t, ok)
	}
	// Three accepting sweeps visit the three occupied slots exactly once
	// each before the hand wraps.
	require.Len(t, seen, 3)
	for pid, n := range seen {
		require.Equal(t, 1, n, "pid %d visited twice before wrap", pid)
	}
}

func TestClockSweepEmptyTable(t *testing.T) {
	pt := NewPageTable(8)
	require.False(t, pt.ClockSweepNext(func(PID, *FrameTag) bool { return true }))
}
