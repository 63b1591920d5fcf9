package pcbios

import (
	"encoding/binary"

	"github.com/stagezero/stagezero/internal/e820"
	"github.com/stagezero/stagezero/internal/firmware"
)

// RangeDescriptor is one region the firmware advertises.
type RangeDescriptor struct {
	Base     uint64
	Length   uint64
	Type     e820.RegionType
	ExtAttrs uint32

	// Legacy marks a pre-ACPI-3.0 style reply: only 20 bytes are written
	// and no extended attributes are reported.
	Legacy bool
}

// MemoryMap serves the E820 protocol from a fixed region table. The
// continuation token is the index of the next region; the reply carrying
// the last region returns a zero token, as real firmware does.
type MemoryMap struct {
	mem     firmware.Memory
	regions []RangeDescriptor

	// Fault forces a carry-flag failure on the call consuming the given
	// continuation token.
	Fault func(continuation uint32) bool

	// BadSignature corrupts the echoed signature, for tests of the
	// consistency check.
	BadSignature bool
}

// NewMemoryMap builds the service.
func NewMemoryMap(mem firmware.Memory, regions []RangeDescriptor) *MemoryMap {
	return &MemoryMap{mem: mem, regions: regions}
}

// QueryRange implements firmware.MemoryMapService.
func (m *MemoryMap) QueryRange(continuation uint32, buf int64) firmware.E820Response {
	if m.Fault != nil && m.Fault(continuation) {
		return firmware.E820Response{Carry: true, Signature: e820.Signature}
	}
	idx := int(continuation)
	if idx >= len(m.regions) {
		return firmware.E820Response{Carry: true, Signature: e820.Signature}
	}

	r := m.regions[idx]

	var raw [e820.EntrySize]byte
	binary.LittleEndian.PutUint64(raw[0:], r.Base)
	binary.LittleEndian.PutUint64(raw[8:], r.Length)
	binary.LittleEndian.PutUint32(raw[16:], uint32(r.Type))

	length := uint32(20)
	if !r.Legacy {
		binary.LittleEndian.PutUint32(raw[20:], r.ExtAttrs)
		length = e820.EntrySize
	}
	if _, err := m.mem.WriteAt(raw[:length], buf); err != nil {
		return firmware.E820Response{Carry: true, Signature: e820.Signature}
	}

	sig := e820.Signature
	if m.BadSignature {
		sig = ^sig
	}

	next := uint32(idx + 1)
	if idx == len(m.regions)-1 {
		next = 0
	}
	return firmware.E820Response{
		Signature:    sig,
		Continuation: next,
		Length:       length,
	}
}

var _ firmware.MemoryMapService = (*MemoryMap)(nil)
