// Package gdt builds the flat three-descriptor global descriptor table and
// performs the protected-mode switch, the terminal step of the bring-up
// sequence.
package gdt

import (
	"encoding/binary"
	"fmt"

	"github.com/stagezero/stagezero/internal/firmware"
)

// Descriptor is one 8-byte segment descriptor in its packed form.
type Descriptor uint64

// Access bytes and flag nibble for the flat template: present, ring 0,
// code (execute/read) or data (read/write); 4KiB granularity, 32-bit.
const (
	AccessFlatCode uint8 = 0x9A
	AccessFlatData uint8 = 0x92
	FlagsFlat32    uint8 = 0xC
)

// Selectors into the flat table.
const (
	SelectorCode uint16 = 0x08
	SelectorData uint16 = 0x10
)

// New assembles a descriptor from a 32-bit base, a 20-bit limit, the access
// byte and the 4-bit flags.
func New(base uint32, limit uint32, access uint8, flags uint8) Descriptor {
	return Descriptor(uint64(limit&0x0000FFFF) |
		uint64(base&0x00FFFFFF)<<16 |
		uint64(access)<<40 |
		uint64(limit&0x000F0000)<<32 |
		uint64(flags&0xF)<<52 |
		uint64(base&0xFF000000)<<32)
}

// Base returns the 32-bit segment base.
func (d Descriptor) Base() uint32 {
	return uint32(d>>16)&0x00FFFFFF | uint32(d>>32)&0xFF000000
}

// Limit returns the raw 20-bit limit field.
func (d Descriptor) Limit() uint32 {
	return uint32(d)&0x0000FFFF | uint32(d>>32)&0x000F0000
}

// Access returns the access byte.
func (d Descriptor) Access() uint8 { return uint8(d >> 40) }

// Flags returns the flags nibble.
func (d Descriptor) Flags() uint8 { return uint8(d>>52) & 0xF }

// Granular4K reports whether the limit is scaled in 4KiB pages.
func (d Descriptor) Granular4K() bool { return d>>55&1 == 1 }

// ByteSpan returns the decoded segment span in bytes: with page granularity
// a limit of 0xFFFFF covers the full 4GiB address space.
func (d Descriptor) ByteSpan() uint64 {
	limit := uint64(d.Limit())
	if d.Granular4K() {
		return (limit + 1) << 12
	}
	return limit + 1
}

// EncodeTo packs the descriptor little-endian.
func (d Descriptor) EncodeTo(b []byte) {
	binary.LittleEndian.PutUint64(b, uint64(d))
}

// Table is the full descriptor table: the mandatory null entry, flat code
// and flat data, in selector order.
type Table [3]Descriptor

// TableBytes is the wire size of the table; the LGDT limit is one less.
const TableBytes = len(Table{}) * 8

// FlatTable returns the static template: every segment spans the whole
// 32-bit address space at 4KiB granularity with base zero.
func FlatTable() Table {
	return Table{
		0,
		New(0, 0xFFFFF, AccessFlatCode, FlagsFlat32),
		New(0, 0xFFFFF, AccessFlatData, FlagsFlat32),
	}
}

// Decode reads a table back out of its packed form.
func Decode(raw []byte) (Table, error) {
	var t Table
	if len(raw) < TableBytes {
		return t, fmt.Errorf("gdt: table needs %d bytes, have %d", TableBytes, len(raw))
	}
	for i := range t {
		t[i] = Descriptor(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return t, nil
}

// Builder writes the table at its fixed physical address and drives the
// mode switch. The address never moves once loaded: protected mode keeps
// absolute-addressing into the same table.
type Builder struct {
	mem     firmware.Memory
	cpu     firmware.CPU
	console firmware.Console
	base    int64
}

// NewBuilder builds against the layout's GDT region.
func NewBuilder(mem firmware.Memory, cpu firmware.CPU, console firmware.Console, layout *firmware.Layout) *Builder {
	return &Builder{
		mem:     mem,
		cpu:     cpu,
		console: console,
		base:    layout.MustRegion(firmware.RegionGDT).Base,
	}
}

// Base returns the table's fixed physical address.
func (b *Builder) Base() int64 { return b.base }

// Install copies the flat template to the fixed address and loads the
// descriptor-table register.
func (b *Builder) Install() error {
	tbl := FlatTable()
	buf := make([]byte, TableBytes)
	for i, d := range tbl {
		d.EncodeTo(buf[i*8:])
	}
	if _, err := b.mem.WriteAt(buf, b.base); err != nil {
		return fmt.Errorf("write GDT at %#x: %w", b.base, err)
	}

	b.cpu.Lgdt(uint32(b.base), uint16(TableBytes-1))
	firmware.Println(b.console, fmt.Sprintf("GDT initialized at %#08x", b.base))
	return nil
}

// EnterProtectedMode performs the one-way switch: CR0.PE, flat selector
// reload, far jump to the 32-bit entry point. There is no path back to real
// mode and no error handling past this point; a fault here is fatal by
// omission.
func (b *Builder) EnterProtectedMode(entry uint32) error {
	return b.cpu.EnterProtectedMode(SelectorCode, SelectorData, entry)
}
