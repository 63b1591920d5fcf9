package pcbios

import (
	"sync"

	"github.com/stagezero/stagezero/internal/firmware"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64

	i8042CommandReadCommandByte  = 0x20
	i8042CommandWriteCommandByte = 0x60
	i8042CommandControllerTest   = 0xAA
	i8042CommandTestFirstPort    = 0xAB
	i8042CommandDisableFirstPort = 0xAD
	i8042CommandEnableFirstPort  = 0xAE
	i8042CommandReadOutputPort   = 0xD0
	i8042CommandWriteOutputPort  = 0xD1
	i8042CommandResetCPU         = 0xFE
)

const (
	i8042StatusOutputFull = 1 << 0
	i8042StatusInputFull  = 1 << 1
	i8042StatusSystemFlag = 1 << 2
	i8042StatusKeyLock    = 1 << 4
)

const (
	i8042CommandByteSystemFlag      = 1 << 2
	i8042CommandByteDisablePort1Clk = 1 << 4
)

const (
	i8042OutputReset   = 1 << 0 // active low on hardware; kept high here
	i8042OutputGateA20 = 1 << 1
)

const (
	i8042ResponseSelfTestOK = 0x55
	i8042ResponsePortOK     = 0x00
)

// I8042 models the keyboard controller as the A20 path uses it: command
// byte access, first-port enable/disable, the output port with the gate
// bit, and the CPU reset command.
type I8042 struct {
	mu sync.Mutex

	commandByte      byte
	outputPort       byte
	outputBuffer     byte
	outputBufferFull bool

	// pendingWrite routes the next data-port byte: the command byte or
	// the output port, depending on the command that preceded it.
	pendingWrite byte

	// GateA20 is invoked whenever a write to the output port changes the
	// gate bit. Wired to RAM.SetA20 by the machine.
	GateA20 func(enabled bool)

	// ResetCPU is invoked on the reset command. Wired to the machine's
	// reboot request.
	ResetCPU func()
}

// NewI8042 builds a controller in its post-self-test state: system flag
// set, A20 gate low.
func NewI8042() *I8042 {
	return &I8042{
		commandByte: i8042CommandByteSystemFlag,
		outputPort:  i8042OutputReset,
	}
}

// Ports returns the controller's I/O ports.
func (c *I8042) Ports() []uint16 {
	return []uint16{i8042DataPort, i8042CommandPort}
}

// In handles a port read.
func (c *I8042) In(port uint16) byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch port {
	case i8042CommandPort:
		return c.statusLocked()
	case i8042DataPort:
		return c.readDataLocked()
	default:
		return 0xFF
	}
}

// Out handles a port write.
func (c *I8042) Out(port uint16, value byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch port {
	case i8042CommandPort:
		c.handleCommandLocked(value)
	case i8042DataPort:
		c.handleDataWriteLocked(value)
	}
}

func (c *I8042) handleCommandLocked(command byte) {
	c.pendingWrite = 0

	switch command {
	case i8042CommandReadCommandByte:
		c.queueOutputLocked(c.commandByte)
	case i8042CommandWriteCommandByte:
		c.pendingWrite = command
	case i8042CommandControllerTest:
		c.queueOutputLocked(i8042ResponseSelfTestOK)
	case i8042CommandTestFirstPort:
		c.queueOutputLocked(i8042ResponsePortOK)
	case i8042CommandDisableFirstPort:
		c.commandByte |= i8042CommandByteDisablePort1Clk
	case i8042CommandEnableFirstPort:
		c.commandByte &^= i8042CommandByteDisablePort1Clk
	case i8042CommandReadOutputPort:
		c.queueOutputLocked(c.outputPort)
	case i8042CommandWriteOutputPort:
		c.pendingWrite = command
	case i8042CommandResetCPU:
		if c.ResetCPU != nil {
			c.ResetCPU()
		}
	}
}

func (c *I8042) handleDataWriteLocked(value byte) {
	switch c.pendingWrite {
	case i8042CommandWriteCommandByte:
		c.commandByte = value
	case i8042CommandWriteOutputPort:
		c.setOutputPortLocked(value)
	}
	c.pendingWrite = 0
}

func (c *I8042) setOutputPortLocked(value byte) {
	gateWas := c.outputPort&i8042OutputGateA20 != 0
	c.outputPort = value
	gateNow := value&i8042OutputGateA20 != 0

	if gateWas != gateNow && c.GateA20 != nil {
		c.GateA20(gateNow)
	}
}

func (c *I8042) statusLocked() byte {
	status := byte(i8042StatusKeyLock)
	if c.outputBufferFull {
		status |= i8042StatusOutputFull
	}
	status |= c.commandByte & i8042StatusSystemFlag
	return status
}

func (c *I8042) readDataLocked() byte {
	if !c.outputBufferFull {
		return 0x00
	}
	value := c.outputBuffer
	c.outputBufferFull = false
	return value
}

func (c *I8042) queueOutputLocked(value byte) {
	c.outputBuffer = value
	c.outputBufferFull = true
}

var _ firmware.PortIO = (*I8042)(nil)
