//go:build linux

package platform

import "golang.org/x/sys/unix"

// PinCPU restricts the calling thread to the given core. The caller must
// have locked itself to an OS thread first (runtime.LockOSThread), otherwise
// the Go scheduler may migrate the goroutine off the pinned thread.
func PinCPU(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
