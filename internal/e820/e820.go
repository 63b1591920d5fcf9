// Package e820 enumerates the BIOS physical memory map into a fixed buffer
// for the protected-mode memory manager to consume.
package e820

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/stagezero/stagezero/internal/firmware"
)

// Signature is the "SMAP" magic every call must echo back.
const Signature uint32 = 0x534D4150

// EntrySize is the on-disk entry stride. Pre-ACPI-3.0 firmware writes only
// the first 20 bytes; the slot is still 24 bytes wide.
const EntrySize = 24

// RegionType classifies an address range.
type RegionType uint32

const (
	TypeUsable          RegionType = 1
	TypeReserved        RegionType = 2
	TypeACPIReclaimable RegionType = 3
	TypeACPINVS         RegionType = 4
	TypeBad             RegionType = 5
)

func (t RegionType) String() string {
	switch t {
	case TypeUsable:
		return "usable"
	case TypeReserved:
		return "reserved"
	case TypeACPIReclaimable:
		return "ACPI"
	case TypeACPINVS:
		return "ACPI NVS"
	case TypeBad:
		return "bad"
	default:
		return fmt.Sprintf("type %d", uint32(t))
	}
}

// attrIgnore marks an entry the firmware wants dropped when extended
// attributes are reported.
const attrIgnore = 1 << 0

// Entry is one address range descriptor.
type Entry struct {
	Base     uint64
	Length   uint64
	Type     RegionType
	ExtAttrs uint32

	// HasExtAttrs records whether the firmware wrote the extended
	// attribute word at all; a 20-byte reply means it did not.
	HasExtAttrs bool
}

// Enumerator drives the E820 protocol, appending valid entries to the fixed
// map region and publishing the count word only once the loop is done, so
// an external inspector never sees a partial count.
type Enumerator struct {
	mem       firmware.Memory
	svc       firmware.MemoryMapService
	mapRegion firmware.Region
	countAddr int64
	log       *slog.Logger
}

// New builds an enumerator over the layout's map and count regions. logger
// may be nil.
func New(mem firmware.Memory, svc firmware.MemoryMapService, layout *firmware.Layout, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{
		mem:       mem,
		svc:       svc,
		mapRegion: layout.MustRegion(firmware.RegionE820Map),
		countAddr: layout.MustRegion(firmware.RegionE820Count).Base,
		log:       logger,
	}
}

// Enumerate runs the continuation loop until the firmware signals the end:
// a set carry flag, a bad signature echo, or a zero continuation token (the
// prior call returned the final entry). Entries with a zero length, or with
// the ignore bit set in reported extended attributes, are never stored; all
// others land in call order. Returns the number of stored entries.
func (e *Enumerator) Enumerate() int {
	count := 0
	continuation := uint32(0)

	for count < firmware.E820MaxEntries {
		slot := e.mapRegion.Base + int64(count)*EntrySize

		resp := e.svc.QueryRange(continuation, slot)
		if resp.Carry || resp.Signature != Signature || resp.Continuation == 0 {
			break
		}

		if ent, ok := e.readSlot(slot, resp.Length); ok {
			if !ent.HasExtAttrs {
				// Keep the stored map uniform: a 20-byte reply leaves
				// whatever was in the attribute word behind.
				_, _ = e.mem.WriteAt([]byte{0, 0, 0, 0}, slot+20)
			}
			count++
			e.log.Debug("memory region",
				"base", fmt.Sprintf("%#x", ent.Base),
				"length", fmt.Sprintf("%#x", ent.Length),
				"type", ent.Type.String())
		}

		continuation = resp.Continuation
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(count))
	_, _ = e.mem.WriteAt(word[:], e.countAddr)

	return count
}

// Entries reads the published map back out of the fixed buffer.
func (e *Enumerator) Entries() ([]Entry, error) {
	var word [4]byte
	if _, err := e.mem.ReadAt(word[:], e.countAddr); err != nil {
		return nil, fmt.Errorf("read e820 count: %w", err)
	}
	count := int(binary.LittleEndian.Uint32(word[:]))
	if count > firmware.E820MaxEntries {
		return nil, fmt.Errorf("e820 count %d exceeds buffer capacity", count)
	}

	out := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		ent, ok := e.readSlot(e.mapRegion.Base+int64(i)*EntrySize, EntrySize)
		if !ok {
			return nil, fmt.Errorf("e820 entry %d invalid in published map", i)
		}
		out = append(out, ent)
	}
	return out, nil
}

// readSlot decodes the descriptor the firmware wrote at slot and applies
// the storage filter. length is the byte count the call reported.
func (e *Enumerator) readSlot(slot int64, length uint32) (Entry, bool) {
	var raw [EntrySize]byte
	if _, err := e.mem.ReadAt(raw[:], slot); err != nil {
		return Entry{}, false
	}

	ent := Entry{
		Base:        binary.LittleEndian.Uint64(raw[0:]),
		Length:      binary.LittleEndian.Uint64(raw[8:]),
		Type:        RegionType(binary.LittleEndian.Uint32(raw[16:])),
		HasExtAttrs: length >= EntrySize,
	}
	if ent.HasExtAttrs {
		ent.ExtAttrs = binary.LittleEndian.Uint32(raw[20:])
	}

	if ent.Length == 0 {
		return Entry{}, false
	}
	if ent.HasExtAttrs && ent.ExtAttrs&attrIgnore != 0 {
		return Entry{}, false
	}
	return ent, true
}
