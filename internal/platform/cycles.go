// Package platform holds the thin OS-facing helpers the engine consumes:
// huge-page backed memory regions, CPU pinning, and a monotonic counter.
package platform

import "time"

var epoch = time.Now()

// Cycles returns a monotonic nanosecond counter. It stands in for a raw
// cycle counter; callers only ever diff two readings.
func Cycles() uint64 {
	return uint64(time.Since(epoch))
}
