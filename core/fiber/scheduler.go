// Package fiber implements the cooperative scheduler the buffer manager runs
// on. Fibers are goroutines multiplexed one at a time: the scheduler resumes
// exactly one fiber, that fiber runs until it yields, parks, or finishes, and
// control hops back over a channel. At any instant either the scheduler or a
// single fiber is running, so none of the scheduler state needs locking.
package fiber

import (
	"sync/atomic"
)

// State tracks where a fiber is in its lifecycle.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateParked
	StateFinished
)

// MaxFibers bounds the ready queue. It also sizes the submission heuristic's
// exp table in the I/O engine.
const MaxFibers = 256

// Fiber is a stackful cooperative task. All methods must be called from the
// scheduler thread (i.e. from inside Run, either by the scheduler itself or
// by the currently running fiber).
type Fiber struct {
	state  State
	resume chan struct{}
	sched  *Scheduler
}

// State returns the fiber's lifecycle state.
func (f *Fiber) State() State { return f.state }

// Scheduler is a single-threaded run loop over a FIFO ready queue. After each
// sweep of the ready queue it invokes the poller hook, which the I/O engine
// uses to reap completions and wake parked fibers.
type Scheduler struct {
	ready   *readyRing
	current *Fiber

	// hop is signalled by a fiber when it hands control back.
	hop chan struct{}

	// poller drains I/O completions between ready-queue sweeps.
	poller func()

	fiberRuns atomic.Uint64
}

// New creates a scheduler with the default ready-queue capacity.
func New() *Scheduler {
	return &Scheduler{
		ready: newReadyRing(MaxFibers),
		hop:   make(chan struct{}),
	}
}

// SetPoller installs the completion-reaping hook called once per scheduler
// round. Passing nil removes it.
func (s *Scheduler) SetPoller(fn func()) { s.poller = fn }

// FiberRuns returns the number of fiber resumptions so far.
func (s *Scheduler) FiberRuns() uint64 { return s.fiberRuns.Load() }

// Current returns the running fiber, or nil when called from the scheduler
// itself (e.g. from the poller hook).
func (s *Scheduler) Current() *Fiber { return s.current }

// ReadyLen reports how many fibers are queued runnable.
func (s *Scheduler) ReadyLen() int { return s.ready.size() }

// Spawn creates a fiber running fn and enqueues it. The fiber does not
// execute until the scheduler resumes it.
func (s *Scheduler) Spawn(fn func()) *Fiber {
	f := &Fiber{state: StateReady, resume: make(chan struct{}), sched: s}
	go func() {
		<-f.resume
		fn()
		f.state = StateFinished
		s.hop <- struct{}{}
	}()
	if !s.ready.push(f) {
		panic("fiber: ready queue overflow on spawn")
	}
	return f
}

// Yield re-enqueues the current fiber and hops to the scheduler.
func (s *Scheduler) Yield() {
	f := s.current
	if f == nil {
		panic("fiber: Yield outside fiber")
	}
	f.state = StateReady
	if !s.ready.push(f) {
		panic("fiber: ready queue overflow on yield")
	}
	s.handoff(f)
}

// Park suspends the current fiber without re-enqueueing it. Another fiber or
// the poller must Wake it.
func (s *Scheduler) Park() {
	f := s.current
	if f == nil {
		panic("fiber: Park outside fiber")
	}
	f.state = StateParked
	s.handoff(f)
}

// Wake enqueues f if it is parked. Waking a ready, running, or finished
// fiber is a no-op. Reports whether the fiber was enqueued.
func (s *Scheduler) Wake(f *Fiber) bool {
	if f == nil || f.state == StateFinished {
		return false
	}
	if f.state == StateParked {
		f.state = StateReady
		if !s.ready.push(f) {
			panic("fiber: ready queue overflow on wake")
		}
		return true
	}
	return false
}

// handoff transfers control from fiber f back to the scheduler loop and
// blocks until the scheduler resumes f again.
func (s *Scheduler) handoff(f *Fiber) {
	s.hop <- struct{}{}
	<-f.resume
}

// Run drains the ready queue, polls for completions, and repeats until stop
// is set. Fibers spawned or woken during a round run in the next round; each
// round runs only the fibers that were queued when it began, matching the
// FIFO fairness of the ready ring.
func (s *Scheduler) Run(stop *atomic.Bool) {
	for !stop.Load() {
		n := s.ready.size()
		for i := 0; i < n; i++ {
			f, ok := s.ready.pop()
			if !ok {
				panic("fiber: ready queue underflow")
			}
			f.state = StateRunning
			s.current = f
			f.resume <- struct{}{}
			<-s.hop
			s.current = nil
			s.fiberRuns.Add(1)
		}
		if s.poller != nil {
			s.poller()
		}
	}
}
