// Package buffer implements the fiber-scheduled page cache: a robin-hood
// page table with a clock hand, tagged frame descriptors, the fix/unfix
// protocol with transparent restarts, and the eviction fiber that keeps the
// free list stocked with batched asynchronous write-back.
package buffer

// PageSize is the fixed page granularity of the engine. The backing device
// is treated as an array of PageSize blocks indexed by PID.
const PageSize = 4096

// PID is a logical page id, allocated densely from a monotonic counter.
// PID 0 is reserved for the metadata page.
type PID = uint64

// BID is a physical frame index into the resident page region.
type BID = uint64

// MetadataPID is the reserved id of the metadata page.
const MetadataPID PID = 0

// Page is one resident 4 KiB frame. Structured views (B-tree nodes, the
// metadata page) are overlaid onto it by the guard types.
type Page [PageSize]byte
