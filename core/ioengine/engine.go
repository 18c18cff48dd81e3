// Package ioengine multiplexes page I/O for many fibers over one kernel
// queue pair. Workers enqueue submission entries without entering the
// kernel; an adaptive heuristic decides at every check point whether the
// queued batch is worth a syscall yet. Completions are reaped by the fiber
// scheduler between cooperative hops and wake the owning fibers.
package ioengine

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sushant-115/kurodb/core/fiber"
)

// expTable precomputes e^i for the submission probability so the hot path
// only does a table lookup and one divide.
var expTable = func() [fiber.MaxFibers + 1]float64 {
	var t [fiber.MaxFibers + 1]float64
	for i := range t {
		t[i] = math.Exp(float64(i))
	}
	return t
}()

const randRange = 1_000_000

// op is a completion slot. The user word handed to the backend is the op's
// arena index; multi-entry batches share one op and count residuals down.
type op struct {
	fiber    *fiber.Fiber
	residual int32
	res      int32
	used     bool
}

// Config tunes the submission heuristic.
type Config struct {
	// TotalIOFibers is the worker count the all-present fast path checks
	// against.
	TotalIOFibers int
	// SubmitAlways disables the heuristic: every check point flushes.
	SubmitAlways bool
}

// Engine ties a backend to a scheduler. All methods must run on the
// scheduler thread.
type Engine struct {
	sched *fiber.Scheduler
	be    Backend
	cfg   Config

	pending            int // queued entries not yet entered
	outstanding        int // entered entries without a completion
	fibersSinceFirstIO int

	ops     []op
	freeOps []uint64

	rngState uint64
	// randUint is swapped out by tests to pin the heuristic's coin flips.
	randUint func(max uint64) uint64

	numSubmits atomic.Uint64
	getEvents  atomic.Uint64
}

// New creates an engine and installs its completion poller on the scheduler.
func New(sched *fiber.Scheduler, be Backend, cfg Config) *Engine {
	if cfg.TotalIOFibers <= 0 || cfg.TotalIOFibers > fiber.MaxFibers {
		panic(fmt.Sprintf("ioengine: TotalIOFibers %d out of range", cfg.TotalIOFibers))
	}
	e := &Engine{
		sched:    sched,
		be:       be,
		cfg:      cfg,
		rngState: 0x2545f4914f6cdd1d,
	}
	e.randUint = e.splitmix
	sched.SetPoller(e.Drain)
	return e
}

// Backend returns the kernel interface the engine drives.
func (e *Engine) Backend() Backend { return e.be }

// NumSubmits returns how many kernel entries the engine has made.
func (e *Engine) NumSubmits() uint64 { return e.numSubmits.Load() }

// GetEvents returns how many completion-reap rounds ran.
func (e *Engine) GetEvents() uint64 { return e.getEvents.Load() }

// Outstanding returns the number of entered ops still awaiting completion.
func (e *Engine) Outstanding() int { return e.outstanding }

func (e *Engine) allocOp(f *fiber.Fiber, residual int32) uint64 {
	var idx uint64
	if n := len(e.freeOps); n > 0 {
		idx = e.freeOps[n-1]
		e.freeOps = e.freeOps[:n-1]
	} else {
		e.ops = append(e.ops, op{})
		idx = uint64(len(e.ops) - 1)
	}
	e.ops[idx] = op{fiber: f, residual: residual, used: true}
	return idx
}

func (e *Engine) freeOp(idx uint64) {
	e.ops[idx].used = false
	e.freeOps = append(e.freeOps, idx)
}

// Read queues one read, parks the calling fiber, and returns the completion
// result once the read finished.
func (e *Engine) Read(buf []byte, off uint64) int32 {
	f := e.sched.Current()
	if f == nil {
		panic("ioengine: Read outside fiber")
	}
	idx := e.allocOp(f, 1)
	if err := e.be.Prepare(Request{Kind: OpRead, Buf: buf, Off: off}, idx); err != nil {
		panic(fmt.Sprintf("ioengine: prepare read: %v", err))
	}
	e.pending++
	e.outstanding++
	e.CheckSubmit()
	e.sched.Park()

	res := e.ops[idx].res
	e.freeOp(idx)
	return res
}

// WriteBatch queues all requests under one completion slot, flushes the
// submission queue unconditionally, and parks until every write finished.
// Returns the result of the last completion in the batch.
func (e *Engine) WriteBatch(reqs []Request) int32 {
	if len(reqs) == 0 {
		panic("ioengine: empty write batch")
	}
	f := e.sched.Current()
	if f == nil {
		panic("ioengine: WriteBatch outside fiber")
	}
	idx := e.allocOp(f, int32(len(reqs)))
	for _, r := range reqs {
		if err := e.be.Prepare(r, idx); err != nil {
			panic(fmt.Sprintf("ioengine: prepare write: %v", err))
		}
	}
	e.pending += len(reqs)
	e.outstanding += len(reqs)
	e.flush()
	e.sched.Park()

	res := e.ops[idx].res
	e.freeOp(idx)
	return res
}

// flush enters the kernel with everything queued and resets the heuristic.
func (e *Engine) flush() {
	if err := e.be.Enter(); err != nil {
		panic(fmt.Sprintf("ioengine: submit: %v", err))
	}
	e.numSubmits.Add(1)
	e.pending = 0
	e.fibersSinceFirstIO = 0
}

// CheckSubmit is the adaptive submission point, called after every queued op
// and from worker yield points. With f fibers having passed a check point
// since the last flush and q entries queued, the batch is flushed when every
// worker has contributed (f == total), and otherwise with probability
// exp(f-q)/exp(total/4).
func (e *Engine) CheckSubmit() {
	if e.pending == 0 {
		return
	}

	if e.cfg.SubmitAlways {
		if err := e.be.Enter(); err != nil {
			panic(fmt.Sprintf("ioengine: submit: %v", err))
		}
		e.numSubmits.Add(1)
		e.pending = 0
		return
	}

	e.fibersSinceFirstIO++

	doSubmit := e.fibersSinceFirstIO == e.cfg.TotalIOFibers
	if !doSubmit {
		d := e.fibersSinceFirstIO - e.pending
		if d < 0 {
			d = 0
		}
		prob := uint64(randRange * (expTable[d] / expTable[e.cfg.TotalIOFibers/4]))
		if e.randUint(randRange) <= prob {
			doSubmit = true
		}
	}
	if doSubmit {
		e.flush()
	}
}

// Drain reaps completions without blocking, counts residuals down, and wakes
// fibers whose ops finished. It also acts as the liveness backstop: when
// every fiber is parked and entries are still queued, they are flushed so
// their completions can arrive.
func (e *Engine) Drain() {
	if e.pending > 0 && e.sched.ReadyLen() == 0 {
		e.flush()
	}
	if e.outstanding == 0 {
		return
	}

	n, err := e.be.Reap(func(user uint64, res int32) {
		if res < 0 {
			panic(fmt.Sprintf("ioengine: completion failed: errno %d", -res))
		}
		o := &e.ops[user]
		if !o.used {
			panic("ioengine: completion for free op slot")
		}
		o.res = res
		o.residual--
		if o.residual == 0 {
			e.sched.Wake(o.fiber)
		}
	})
	if err != nil {
		panic(fmt.Sprintf("ioengine: reap: %v", err))
	}
	e.outstanding -= n
	e.getEvents.Add(1)
}

// splitmix is the default coin-flip source for the heuristic.
func (e *Engine) splitmix(max uint64) uint64 {
	e.rngState += 0x9e3779b97f4a7c15
	z := e.rngState
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return z % (max + 1)
}
