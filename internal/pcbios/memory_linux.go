//go:build linux

package pcbios

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous zeroed pages for guest RAM, the same way a
// hypervisor backs its memory slots, so large guests do not sit in the Go
// heap.
func allocate(size uint64) ([]byte, func([]byte) error, error) {
	if size > math.MaxInt {
		return nil, nil, fmt.Errorf("size %d exceeds host address limit", size)
	}
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	return mem, unix.Munmap, nil
}
