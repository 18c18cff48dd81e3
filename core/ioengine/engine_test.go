package ioengine

import (
	"bytes"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/kurodb/core/fiber"
)

const testPage = 4096

func setupEngine(t *testing.T, cfg Config) (*fiber.Scheduler, *Engine, *PosixBackend) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pages.bin")
	be, err := NewPosixBackend(path, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	sched := fiber.New()
	eng := New(sched, be, cfg)
	return sched, eng, be
}

func pageOf(b byte) []byte {
	p := make([]byte, testPage)
	for i := range p {
		p[i] = b
	}
	return p
}

func TestWriteBatchThenReadBack(t *testing.T) {
	sched, eng, _ := setupEngine(t, Config{TotalIOFibers: 1})
	var stop atomic.Bool

	sched.Spawn(func() {
		reqs := []Request{
			{Kind: OpWrite, Buf: pageOf(0xA1), Off: 0},
			{Kind: OpWrite, Buf: pageOf(0xB2), Off: testPage},
			{Kind: OpWrite, Buf: pageOf(0xC3), Off: 2 * testPage},
		}
		res := eng.WriteBatch(reqs)
		require.EqualValues(t, testPage, res)

		for i, want := range []byte{0xA1, 0xB2, 0xC3} {
			buf := make([]byte, testPage)
			res := eng.Read(buf, uint64(i*testPage))
			require.EqualValues(t, testPage, res)
			require.True(t, bytes.Equal(buf, pageOf(want)), "page %d content", i)
		}
		stop.Store(true)
	})
	sched.Run(&stop)

	// One flush for the batch, one per single read (all-present fast path
	// with a single I/O fiber).
	require.EqualValues(t, 4, eng.NumSubmits())
	require.Zero(t, eng.Outstanding())
}

func TestWriteBatchSharesOneCompletionSlot(t *testing.T) {
	sched, eng, be := setupEngine(t, Config{TotalIOFibers: 1})
	var stop atomic.Bool

	sched.Spawn(func() {
		reqs := make([]Request, 8)
		for i := range reqs {
			reqs[i] = Request{Kind: OpWrite, Buf: pageOf(byte(i)), Off: uint64(i * testPage)}
		}
		eng.WriteBatch(reqs)
		stop.Store(true)
	})
	sched.Run(&stop)

	require.EqualValues(t, 1, be.Entered(), "a write batch enters the kernel once")
	require.EqualValues(t, 1, eng.NumSubmits())
}

func TestAdaptiveSubmitAllPresentFastPath(t *testing.T) {
	const workers = 8
	sched, eng, be := setupEngine(t, Config{TotalIOFibers: workers})
	var stop atomic.Bool

	// Pin the coin flip to "never": only the all-present path may submit.
	eng.randUint = func(max uint64) uint64 { return max }

	done := 0
	for i := 0; i < workers; i++ {
		i := i
		sched.Spawn(func() {
			buf := make([]byte, testPage)
			res := eng.Read(buf, uint64(i*testPage))
			require.EqualValues(t, testPage, res)
			done++
			if done == workers {
				stop.Store(true)
			}
		})
	}
	sched.Run(&stop)

	require.Equal(t, workers, done)
	require.EqualValues(t, 1, eng.NumSubmits(), "the 8th enqueue triggers the single submission")
	require.EqualValues(t, 1, be.Entered())
}

func TestSubmitAlwaysFlushesEveryOp(t *testing.T) {
	sched, eng, _ := setupEngine(t, Config{TotalIOFibers: 4, SubmitAlways: true})
	var stop atomic.Bool

	sched.Spawn(func() {
		buf := make([]byte, testPage)
		eng.Read(buf, 0)
		eng.Read(buf, testPage)
		stop.Store(true)
	})
	sched.Run(&stop)

	require.EqualValues(t, 2, eng.NumSubmits())
}

func TestDrainFlushesWhenAllFibersParked(t *testing.T) {
	// One reader with a 4-fiber heuristic: neither the fast path nor the
	// pinned coin flip submits, so only the parked-scheduler backstop can.
	sched, eng, _ := setupEngine(t, Config{TotalIOFibers: 4})
	var stop atomic.Bool
	eng.randUint = func(max uint64) uint64 { return max }

	sched.Spawn(func() {
		buf := make([]byte, testPage)
		res := eng.Read(buf, 0)
		require.EqualValues(t, testPage, res)
		stop.Store(true)
	})
	sched.Run(&stop)

	require.EqualValues(t, 1, eng.NumSubmits())
}

func TestCheckSubmitFromYieldPointsTriggersFastPath(t *testing.T) {
	// Two I/O fibers: one queues a read, the other only passes a check
	// point. The second check makes f == total and flushes the batch.
	sched, eng, be := setupEngine(t, Config{TotalIOFibers: 2})
	var stop atomic.Bool
	// With two fibers total/4 is 0 and the first check's probability is 1;
	// a coin above the range keeps that first check from flushing.
	eng.randUint = func(max uint64) uint64 { return max + 1 }

	sched.Spawn(func() {
		buf := make([]byte, testPage)
		res := eng.Read(buf, 0)
		require.EqualValues(t, testPage, res)
		stop.Store(true)
	})
	sched.Spawn(func() {
		eng.CheckSubmit()
	})
	sched.Run(&stop)

	require.EqualValues(t, 1, be.Entered())
}
