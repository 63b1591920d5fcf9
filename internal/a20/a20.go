// Package a20 drives the legacy A20 address line. While the gate is closed
// the chipset wraps physical addresses at the 1MiB boundary, so it must be
// opened before anything above 1MiB is touched and before segmentation goes
// flat. Enabling mechanisms vary by chipset and BIOS vintage; the
// controller walks a fixed chain of strategies and trusts nothing but the
// wrap-around probe.
package a20

import (
	"log/slog"

	"github.com/stagezero/stagezero/internal/firmware"
)

// State is the controller's position in the strategy chain.
type State int

const (
	StateStart State = iota
	StateTryBiosFirst
	StateTryKeyboard
	StateTryBiosRetry
	StateEnabled
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateTryBiosFirst:
		return "try-bios"
	case StateTryKeyboard:
		return "try-keyboard"
	case StateTryBiosRetry:
		return "try-bios-retry"
	case StateEnabled:
		return "enabled"
	case StateExhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// Keyboard-controller (8042) protocol.
const (
	statusPort = 0x64
	dataPort   = 0x60

	cmdDisableKeyboard = 0xAD
	cmdEnableKeyboard  = 0xAE
	cmdReadOutputPort  = 0xD0
	cmdWriteOutputPort = 0xD1

	statusOutputFull = 1 << 0
	statusInputFull  = 1 << 1

	// Bit 1 of the controller output port is the A20 line.
	outputGateA20 = 1 << 1
)

// controllerLoops bounds every 8042 wait and the post-attempt probe retry.
const controllerLoops = 32

// Probe addresses: 0000:0500 and FFFF:0510 name the same physical byte
// exactly when the gate is closed.
const (
	probeLow  = 0x000500
	probeHigh = 0x100500
)

// Controller enables the A20 gate. Status is never cached: every decision
// re-runs the wrap-around probe.
type Controller struct {
	mem    firmware.Memory
	ports  firmware.PortIO
	system firmware.System
	log    *slog.Logger
}

// New builds a controller. logger may be nil.
func New(mem firmware.Memory, ports firmware.PortIO, system firmware.System, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{mem: mem, ports: ports, system: system, log: logger}
}

// Enabled derives the gate state from the wrap-around probe: write 0x00
// through the low alias, 0xFF through the high alias, and re-read the low
// one. Seeing the 0xFF back means the high write wrapped and the gate is
// closed. Both addresses sit inside the first 1MiB+64KiB that every machine
// maps, so the raw accesses cannot fault.
func (c *Controller) Enabled() bool {
	_, _ = c.mem.WriteAt([]byte{0x00}, probeLow)
	_, _ = c.mem.WriteAt([]byte{0xFF}, probeHigh)

	var b [1]byte
	_, _ = c.mem.ReadAt(b[:], probeLow)
	return b[0] != 0xFF
}

// Enable walks the strategy chain, re-probing after every attempt: the BIOS
// service first, the keyboard controller second, the BIOS service once
// more. The returned state is StateEnabled or StateExhausted; exhaustion is
// reported, not escalated, and the caller decides what to do with an
// unconfirmed gate.
func (c *Controller) Enable() State {
	state := StateStart
	for {
		switch state {
		case StateStart:
			if c.Enabled() {
				return StateEnabled
			}
			state = StateTryBiosFirst

		case StateTryBiosFirst:
			c.system.EnableA20()
			if c.Enabled() {
				return StateEnabled
			}
			state = StateTryKeyboard

		case StateTryKeyboard:
			c.keyboardEnable()
			if c.probeRetry() {
				return StateEnabled
			}
			state = StateTryBiosRetry

		case StateTryBiosRetry:
			c.system.EnableA20()
			if c.Enabled() {
				return StateEnabled
			}
			c.log.Warn("A20 gate still closed after all strategies")
			return StateExhausted
		}
	}
}

// keyboardEnable runs the 8042 sequence: park the keyboard, read the
// controller output port, write it back with the gate bit set, and wake the
// keyboard again. Every handshake wait is bounded; a wedged controller
// simply leaves the gate for the probe to judge.
func (c *Controller) keyboardEnable() {
	c.waitInputClear()
	c.ports.Out(statusPort, cmdDisableKeyboard)

	c.waitInputClear()
	c.ports.Out(statusPort, cmdReadOutputPort)

	c.waitOutputFull()
	output := c.ports.In(dataPort)

	c.waitInputClear()
	c.ports.Out(statusPort, cmdWriteOutputPort)

	c.waitInputClear()
	c.ports.Out(dataPort, output|outputGateA20)

	c.waitInputClear()
	c.ports.Out(statusPort, cmdEnableKeyboard)
}

// probeRetry re-runs the probe with a settle delay between rounds. The
// keyboard controller opens the gate asynchronously, so the first probe
// after the sequence can race it.
func (c *Controller) probeRetry() bool {
	for i := 0; i < controllerLoops; i++ {
		if c.Enabled() {
			return true
		}
		firmware.Delay(c.ports)
	}
	return false
}

func (c *Controller) waitInputClear() bool {
	for i := 0; i < controllerLoops; i++ {
		if c.ports.In(statusPort)&statusInputFull == 0 {
			return true
		}
		firmware.Delay(c.ports)
	}
	return false
}

func (c *Controller) waitOutputFull() bool {
	for i := 0; i < controllerLoops; i++ {
		if c.ports.In(statusPort)&statusOutputFull != 0 {
			return true
		}
		firmware.Delay(c.ports)
	}
	return false
}
