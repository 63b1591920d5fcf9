package pcbios

import (
	"fmt"
	"sync"

	"github.com/stagezero/stagezero/internal/firmware"
)

// a20Mask clears physical address line 20, reproducing the legacy 1MiB
// wrap while the gate is closed.
const a20Mask = ^int64(1 << 20)

// RAM is guest physical memory with an A20 line in front of it. While the
// line is low, bit 20 of every address is forced to zero, so accesses just
// above 1MiB alias the bottom of memory.
type RAM struct {
	mu   sync.Mutex
	data []byte
	a20  bool
	free func([]byte) error
}

// NewRAM allocates size bytes of zeroed guest memory. The A20 line starts
// low, as it does at power-on.
func NewRAM(size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("ram: zero size")
	}
	data, free, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("ram: %w", err)
	}
	return &RAM{data: data, free: free}, nil
}

// Close releases the backing allocation.
func (r *RAM) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if r.free != nil {
		return r.free(data)
	}
	return nil
}

// Size implements firmware.Memory.
func (r *RAM) Size() uint64 { return uint64(len(r.data)) }

// SetA20 raises or lowers the A20 line.
func (r *RAM) SetA20(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.a20 = enabled
}

// A20Enabled reports the line state.
func (r *RAM) A20Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.a20
}

// ReadAt implements firmware.Memory.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.access(p, off, false)
}

// WriteAt implements firmware.Memory.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.access(p, off, true)
}

func (r *RAM) access(p []byte, off int64, write bool) (int, error) {
	if r.data == nil {
		return 0, fmt.Errorf("ram: closed")
	}
	if off < 0 {
		return 0, fmt.Errorf("ram: negative address %#x", off)
	}

	if r.a20 {
		if off >= int64(len(r.data)) {
			return 0, fmt.Errorf("ram: address %#x beyond %#x", off, len(r.data))
		}
		n := copyRange(r.data[off:], p, write)
		if n < len(p) {
			return n, fmt.Errorf("ram: access past end at %#x", off+int64(n))
		}
		return n, nil
	}

	// Gate closed: translate byte by byte, since a straight range can
	// alias discontiguously across the wrapped line.
	for i := range p {
		phys := (off + int64(i)) & a20Mask
		if phys >= int64(len(r.data)) {
			return i, fmt.Errorf("ram: address %#x beyond %#x", phys, len(r.data))
		}
		if write {
			r.data[phys] = p[i]
		} else {
			p[i] = r.data[phys]
		}
	}
	return len(p), nil
}

func copyRange(mem, p []byte, write bool) int {
	if write {
		return copy(mem, p)
	}
	return copy(p, mem)
}

var _ firmware.Memory = (*RAM)(nil)
