//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocRegion maps an anonymous, page-aligned region of the given size and
// asks the kernel to back it with transparent huge pages. The hint is best
// effort; a kernel without THP still returns a usable mapping.
func AllocRegion(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	_ = unix.Madvise(mem, unix.MADV_HUGEPAGE)
	return mem, nil
}

// FreeRegion unmaps a region returned by AllocRegion.
func FreeRegion(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
