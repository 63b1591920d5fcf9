package pcbios

import (
	"sync"

	"github.com/stagezero/stagezero/internal/firmware"
)

// System models the INT 15h odds and ends plus the two terminal stops.
type System struct {
	mu  sync.Mutex
	ram *RAM

	// BIOSA20 controls whether the AX=2401 service actually works.
	// Plenty of firmware advertises it and does nothing, which is the
	// whole reason the strategy chain exists.
	BIOSA20 bool

	a20Calls int
}

// NewSystem builds the system services over the given RAM (whose A20 line
// the BIOS service drives).
func NewSystem(ram *RAM) *System {
	return &System{ram: ram, BIOSA20: true}
}

// A20Calls reports how many BIOS enable calls were made, for tests.
func (s *System) A20Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a20Calls
}

// EnableA20 implements firmware.System.
func (s *System) EnableA20() bool {
	s.mu.Lock()
	s.a20Calls++
	works := s.BIOSA20
	s.mu.Unlock()

	if works {
		s.ram.SetA20(true)
	}
	return works
}

// Reboot implements firmware.System.
func (s *System) Reboot() error {
	return firmware.ErrRebootRequested
}

// Halt implements firmware.System.
func (s *System) Halt() error {
	return firmware.ErrHalted
}

var _ firmware.System = (*System)(nil)
