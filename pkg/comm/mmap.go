package comm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapAnonymous allocates a page-aligned shared mapping of at least size
// bytes. It backs the command window when the DSP runs in-process.
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mapping size must be positive, got %d", size)
	}
	page := os.Getpagesize()
	aligned := ((size + page - 1) / page) * page

	mem, err := unix.Mmap(-1, 0, aligned,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return mem[:size:aligned], nil
}

// Unmap releases a mapping returned by MapAnonymous
func Unmap(mem []byte) error {
	if cap(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem[:cap(mem)])
}
