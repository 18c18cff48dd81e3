package fiber

// Sleeper is the long-lived parked-fiber idiom: a fiber that loops, doing a
// round of work when signalled and parking when its work function reports
// there is nothing to do. The eviction fiber of the buffer manager is the
// only current user.
type Sleeper struct {
	sched   *Scheduler
	self    *Fiber
	stop    bool
	running bool
}

// SpawnSleeper creates the fiber. setup runs once inside the fiber before the
// loop; loop returns true when the fiber should park until the next Wake.
func SpawnSleeper(s *Scheduler, setup func(), loop func() bool) *Sleeper {
	sl := &Sleeper{sched: s}
	s.Spawn(func() {
		sl.self = s.Current()
		sl.running = true
		if setup != nil {
			setup()
		}
		for !sl.stop {
			if loop() {
				sl.park()
			}
		}
	})
	return sl
}

func (sl *Sleeper) park() {
	if sl.sched.Current() != sl.self {
		panic("fiber: sleeper park from foreign fiber")
	}
	sl.running = false
	sl.sched.Park()
}

// Wake enqueues the sleeper if it is parked. Safe to call repeatedly; a
// sleeper that is already running is left alone.
func (sl *Sleeper) Wake() {
	if sl.running {
		return
	}
	sl.running = true
	sl.sched.Wake(sl.self)
}

// Stop makes the loop exit after its current round.
func (sl *Sleeper) Stop() {
	sl.stop = true
	sl.Wake()
}
