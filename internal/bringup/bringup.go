// Package bringup drives the real-mode boot sequence end to end: stage
// loading, the A20 gate, the memory map, display negotiation and the
// switch to protected mode.
package bringup

import (
	"fmt"
	"log/slog"

	"github.com/stagezero/stagezero/internal/a20"
	"github.com/stagezero/stagezero/internal/e820"
	"github.com/stagezero/stagezero/internal/firmware"
	"github.com/stagezero/stagezero/internal/gdt"
	"github.com/stagezero/stagezero/internal/stageload"
	"github.com/stagezero/stagezero/internal/vesa"
)

// Handoff is everything the boot sequence hands to the protected-mode
// payload.
type Handoff struct {
	A20       a20.State
	MemoryMap []e820.Entry
	Display   vesa.Selection
	GDTBase   int64
	Entry     uint32
}

// Sequencer runs one bring-up according to a Plan.
type Sequencer struct {
	machine firmware.Machine
	layout  *firmware.Layout
	plan    *Plan
	log     *slog.Logger
}

// NewSequencer wires a sequencer to a machine. A nil layout selects the
// standard low-memory map.
func NewSequencer(machine firmware.Machine, layout *firmware.Layout, plan *Plan, logger *slog.Logger) (*Sequencer, error) {
	if layout == nil {
		layout = firmware.DefaultLayout()
	}
	if plan == nil {
		plan = DefaultPlan()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return &Sequencer{
		machine: machine,
		layout:  layout,
		plan:    plan,
		log:     logger,
	}, nil
}

// Run executes the full sequence. On success it returns the handoff
// record; on a fatal path it returns the component's error after the
// component has already rebooted or halted the machine.
func (s *Sequencer) Run() (*Handoff, error) {
	console := s.machine.Console()
	mem := s.machine.Memory()
	system := s.machine.System()

	firmware.Println(console, "Booting...")

	loader := stageload.New(s.machine.Disk(), console, system, s.machine.CPU(), s.plan.Drive, s.log)

	if err := loader.CheckExtendedDiskSupport(); err != nil {
		return nil, err
	}

	for _, st := range s.plan.Stages {
		s.log.Debug("loading stage",
			"name", st.Name, "lba", st.LBA, "sectors", st.Sectors, "segment", st.Segment)
		if err := loader.LoadSectors(st.LBA, st.Sectors, st.Segment); err != nil {
			return nil, err
		}
	}
	firmware.Println(console, "Loaded next stage from disk")

	if err := loader.Enter(s.plan.Entry.Segment, s.plan.Entry.Offset); err != nil {
		return nil, fmt.Errorf("enter next stage: %w", err)
	}

	gate := a20.New(mem, s.machine.Ports(), system, s.log)
	a20State := gate.Enable()
	if a20State == a20.StateEnabled {
		firmware.Println(console, "A20 line enabled")
	} else {
		firmware.Println(console, "A20 line could not be enabled")
	}

	enum := e820.New(mem, s.machine.MemoryMap(), s.layout, s.log)
	count := enum.Enumerate()
	entries, err := enum.Entries()
	if err != nil {
		return nil, fmt.Errorf("read memory map: %w", err)
	}
	firmware.Println(console, fmt.Sprintf("Memory map: %d ranges", count))
	for _, ent := range entries {
		s.log.Debug("memory range",
			"base", fmt.Sprintf("%#x", ent.Base),
			"length", fmt.Sprintf("%#x", ent.Length),
			"type", ent.Type.String())
	}

	neg := vesa.New(mem, s.machine.Video(), console, system, s.layout,
		s.plan.Display.Width, s.plan.Display.Height, s.log)
	sel, err := neg.Negotiate()
	if err != nil {
		return nil, err
	}
	firmware.Println(console, fmt.Sprintf("Video mode %#04x: %dx%d %d bpp",
		sel.Mode, sel.Width, sel.Height, sel.BitsPerPixel))

	builder := gdt.NewBuilder(mem, s.machine.CPU(), console, s.layout)
	if err := builder.Install(); err != nil {
		return nil, fmt.Errorf("install GDT: %w", err)
	}
	if err := builder.EnterProtectedMode(s.plan.ProtectedEntry); err != nil {
		return nil, fmt.Errorf("enter protected mode: %w", err)
	}

	return &Handoff{
		A20:       a20State,
		MemoryMap: entries,
		Display:   sel,
		GDTBase:   builder.Base(),
		Entry:     s.plan.ProtectedEntry,
	}, nil
}
