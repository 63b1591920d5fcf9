package pcbios

import (
	"fmt"
	"sync"

	"github.com/stagezero/stagezero/internal/firmware"
	"github.com/stagezero/stagezero/internal/gdt"
)

// CPU tracks the mode-transition state of the boot processor: the GDTR,
// CR0.PE and the control transfers. The transfers themselves run
// registered handlers, since there is no instruction stream to execute;
// what matters is that the preconditions hold when they fire.
type CPU struct {
	mu sync.Mutex

	mem firmware.Memory

	gdtBase  uint32
	gdtLimit uint16
	gdtSet   bool

	protected bool
	entry     uint32

	// FarJumpHandler runs on a real-mode far jump. A nil handler makes
	// the jump a recorded no-op, which is what a loaded stage that
	// immediately falls through to the next phase looks like.
	FarJumpHandler func(segment, offset uint16) error

	// ProtectedEntryHandler runs after a successful protected-mode
	// switch, standing in for the 32-bit kernel entry.
	ProtectedEntryHandler func(entry uint32) error

	lastJumpSegment uint16
	lastJumpOffset  uint16
	jumped          bool
}

// NewCPU builds the boot processor over guest memory.
func NewCPU(mem firmware.Memory) *CPU {
	return &CPU{mem: mem}
}

// FarJump implements firmware.CPU.
func (c *CPU) FarJump(segment, offset uint16) error {
	c.mu.Lock()
	c.lastJumpSegment = segment
	c.lastJumpOffset = offset
	c.jumped = true
	handler := c.FarJumpHandler
	c.mu.Unlock()

	if handler != nil {
		return handler(segment, offset)
	}
	return nil
}

// LastJump reports the most recent far jump target, for tests.
func (c *CPU) LastJump() (segment, offset uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastJumpSegment, c.lastJumpOffset, c.jumped
}

// Lgdt implements firmware.CPU.
func (c *CPU) Lgdt(base uint32, limit uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gdtBase = base
	c.gdtLimit = limit
	c.gdtSet = true
}

// GDTR reports the loaded descriptor-table register, for tests.
func (c *CPU) GDTR() (base uint32, limit uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gdtBase, c.gdtLimit, c.gdtSet
}

// Protected reports whether the PE switch happened and the entry point it
// jumped to.
func (c *CPU) Protected() (entry uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry, c.protected
}

// EnterProtectedMode implements firmware.CPU. It performs the checks the
// silicon would: a loaded GDTR, selectors inside the table limit, and
// descriptors that are actually usable as flat code and data. A fault here
// on real hardware is a triple fault, so the emulation refuses loudly
// instead.
func (c *CPU) EnterProtectedMode(codeSelector, dataSelector uint16, entry uint32) error {
	c.mu.Lock()
	if !c.gdtSet {
		c.mu.Unlock()
		return fmt.Errorf("protected mode switch without a loaded GDT")
	}
	base, limit := c.gdtBase, c.gdtLimit
	c.mu.Unlock()

	for _, sel := range []uint16{codeSelector, dataSelector} {
		if sel == 0 || int(sel)+7 > int(limit) {
			return fmt.Errorf("selector %#04x outside GDT limit %#x", sel, limit)
		}
	}

	raw := make([]byte, int(limit)+1)
	if _, err := c.mem.ReadAt(raw, int64(base)); err != nil {
		return fmt.Errorf("read GDT at %#x: %w", base, err)
	}
	table, err := gdt.Decode(raw)
	if err != nil {
		return err
	}

	code := table[codeSelector/8]
	data := table[dataSelector/8]
	if code.Access()&0x08 == 0 {
		return fmt.Errorf("code selector %#04x is not executable", codeSelector)
	}
	if data.Access()&0x08 != 0 {
		return fmt.Errorf("data selector %#04x is executable", dataSelector)
	}
	if code.Base() != 0 || data.Base() != 0 {
		return fmt.Errorf("flat transition requires zero segment bases")
	}

	c.mu.Lock()
	c.protected = true
	c.entry = entry
	handler := c.ProtectedEntryHandler
	c.mu.Unlock()

	if handler != nil {
		return handler(entry)
	}
	return nil
}

var _ firmware.CPU = (*CPU)(nil)
