package buffer

import "unsafe"

// Guards are scoped fixes over a typed view of a page. They are move-only in
// spirit: MoveFrom and the shared-to-exclusive upgrade steal the source's
// fix, and Release is idempotent so unwinding a traversal can release every
// guard it touched, moved-from or not. A guard whose Retry reports true
// observed a restart condition; the caller owns calling HandleRestart.

// GuardS holds a shared fix of pid viewed as T.
type GuardS[T any] struct {
	mgr *Manager
	pid PID
	ptr *T
}

// FixS constructs a shared guard. Check Retry before touching Ptr.
func FixS[T any](m *Manager, pid PID) GuardS[T] {
	g := GuardS[T]{mgr: m, pid: pid}
	if p := m.FixS(pid); p != nil {
		g.ptr = (*T)(unsafe.Pointer(p))
	}
	return g
}

// Retry reports whether the fix observed a restart condition.
func (g *GuardS[T]) Retry() bool { return g.ptr == nil }

// Ptr returns the typed view of the fixed page.
func (g *GuardS[T]) Ptr() *T { return g.ptr }

// PID returns the guarded page id.
func (g *GuardS[T]) PID() PID { return g.pid }

// Release unfixes if still held. Safe on retried or moved-from guards.
func (g *GuardS[T]) Release() {
	if g.ptr != nil {
		g.mgr.UnfixS(g.pid)
		g.ptr = nil
	}
}

// MoveFrom releases g's own fix and steals other's; other is left empty.
// This is the latch-coupling step: parent.MoveFrom(&child) slides the
// shared window down one level.
func (g *GuardS[T]) MoveFrom(other *GuardS[T]) {
	if g == other {
		panic("buffer: guard move from self")
	}
	g.Release()
	*g = *other
	other.ptr = nil
}

// GuardX holds an exclusive fix of pid viewed as T.
type GuardX[T any] struct {
	mgr *Manager
	pid PID
	ptr *T
}

// FixX constructs an exclusive guard. Check Retry before touching Ptr.
func FixX[T any](m *Manager, pid PID) GuardX[T] {
	g := GuardX[T]{mgr: m, pid: pid}
	if p := m.FixX(pid); p != nil {
		g.ptr = (*T)(unsafe.Pointer(p))
	}
	return g
}

// UpgradeX steals a held shared guard into an exclusive one without
// re-fixing. The single-threaded fix protocol makes in_use exclusive
// already; the upgrade only changes what the eventual unfix does (the
// exclusive release marks the frame dirty).
func UpgradeX[T any](s *GuardS[T]) GuardX[T] {
	if s.ptr == nil {
		panic("buffer: upgrade of empty guard")
	}
	g := GuardX[T]{mgr: s.mgr, pid: s.pid, ptr: s.ptr}
	s.ptr = nil
	return g
}

// Retry reports whether the fix observed a restart condition.
func (g *GuardX[T]) Retry() bool { return g.ptr == nil }

// Ptr returns the typed view of the fixed page.
func (g *GuardX[T]) Ptr() *T { return g.ptr }

// PID returns the guarded page id.
func (g *GuardX[T]) PID() PID { return g.pid }

// Release unfixes if still held. Safe on retried or moved-from guards.
func (g *GuardX[T]) Release() {
	if g.ptr != nil {
		g.mgr.UnfixX(g.pid)
		g.ptr = nil
	}
}

// MoveFrom releases g's own fix and steals other's; other is left empty.
func (g *GuardX[T]) MoveFrom(other *GuardX[T]) {
	if g == other {
		panic("buffer: guard move from self")
	}
	g.Release()
	*g = *other
	other.ptr = nil
}

// Alloc allocates a fresh page under an exclusive guard. On an allocation
// stall the guard's Retry reports true and the caller restarts.
func Alloc[T any](m *Manager) GuardX[T] {
	p, pid := m.AllocPage()
	g := GuardX[T]{mgr: m, pid: pid}
	if p != nil {
		g.ptr = (*T)(unsafe.Pointer(p))
	}
	return g
}
