// Package pcbios emulates the slice of a PC-compatible machine the
// real-mode bring-up sequence touches: physical memory behind the A20
// line, the BIOS disk, memory-map and VBE services, the keyboard
// controller, the teletype console and the boot CPU.
package pcbios

import (
	"fmt"
	"io"
	"sync"

	"github.com/stagezero/stagezero/internal/e820"
	"github.com/stagezero/stagezero/internal/firmware"
)

// Config assembles a machine.
type Config struct {
	// MemorySize is the guest RAM size in bytes. The default is 16MiB,
	// plenty for anything that runs before a kernel.
	MemorySize uint64

	// Image is the boot drive content, ImageSectors its size in 512-byte
	// blocks.
	Image        io.ReaderAt
	ImageSectors uint64

	// Drive is the BIOS drive number. Defaults to 0x80.
	Drive uint8

	// Modes is the video adapter's mode table. Defaults to
	// DefaultModes.
	Modes []VideoMode

	// Regions is the advertised memory map. Defaults to a typical PC
	// map derived from MemorySize.
	Regions []RangeDescriptor

	// BIOSA20 controls whether the INT 15h A20 enable works; when false
	// only the keyboard controller can open the gate.
	BIOSA20 bool

	// Console geometry. Defaults to the 80x25 text screen.
	ConsoleCols int
	ConsoleRows int
}

// Machine implements firmware.Machine.
type Machine struct {
	mu sync.Mutex

	ram     *RAM
	disk    *Disk
	video   *Video
	memmap  *MemoryMap
	console *Console
	system  *System
	cpu     *CPU
	kbd     *I8042

	ports map[uint16]firmware.PortIO

	rebootRequested bool
}

// New assembles a machine from cfg.
func New(cfg Config) (*Machine, error) {
	if cfg.Image == nil || cfg.ImageSectors == 0 {
		return nil, fmt.Errorf("pcbios: a boot image is required")
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = 16 << 20
	}
	if cfg.Drive == 0 {
		cfg.Drive = 0x80
	}
	if cfg.Modes == nil {
		cfg.Modes = DefaultModes()
	}
	if cfg.Regions == nil {
		cfg.Regions = DefaultRegions(cfg.MemorySize)
	}
	if cfg.ConsoleCols == 0 {
		cfg.ConsoleCols = 80
	}
	if cfg.ConsoleRows == 0 {
		cfg.ConsoleRows = 25
	}

	ram, err := NewRAM(cfg.MemorySize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		ram:     ram,
		console: NewConsole(cfg.ConsoleCols, cfg.ConsoleRows),
		ports:   make(map[uint16]firmware.PortIO),
	}
	m.disk = NewDisk(cfg.Image, cfg.ImageSectors, cfg.Drive, ram)
	m.video = NewVideo(ram, cfg.Modes)
	m.memmap = NewMemoryMap(ram, cfg.Regions)
	m.system = NewSystem(ram)
	m.system.BIOSA20 = cfg.BIOSA20
	m.cpu = NewCPU(ram)

	m.kbd = NewI8042()
	m.kbd.GateA20 = ram.SetA20
	m.kbd.ResetCPU = m.requestReboot
	for _, port := range m.kbd.Ports() {
		m.ports[port] = m.kbd
	}

	return m, nil
}

// Close tears the machine down.
func (m *Machine) Close() error {
	if err := m.console.Close(); err != nil {
		return err
	}
	return m.ram.Close()
}

func (m *Machine) requestReboot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebootRequested = true
}

// RebootRequested reports whether the keyboard controller's reset command
// fired.
func (m *Machine) RebootRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebootRequested
}

// RAM exposes the memory device, A20 line included.
func (m *Machine) RAM() *RAM { return m.ram }

// BootDisk exposes the disk device for fault injection.
func (m *Machine) BootDisk() *Disk { return m.disk }

// Adapter exposes the video device.
func (m *Machine) Adapter() *Video { return m.video }

// FirmwareMap exposes the memory-map service.
func (m *Machine) FirmwareMap() *MemoryMap { return m.memmap }

// Services exposes the system services.
func (m *Machine) Services() *System { return m.system }

// Screen exposes the console device.
func (m *Machine) Screen() *Console { return m.console }

// BootCPU exposes the CPU for handler registration and state inspection.
func (m *Machine) BootCPU() *CPU { return m.cpu }

// firmware.Machine implementation.

func (m *Machine) Memory() firmware.Memory              { return m.ram }
func (m *Machine) Disk() firmware.DiskService           { return m.disk }
func (m *Machine) Video() firmware.VideoService         { return m.video }
func (m *Machine) MemoryMap() firmware.MemoryMapService { return m.memmap }
func (m *Machine) Console() firmware.Console            { return m.console }
func (m *Machine) System() firmware.System              { return m.system }
func (m *Machine) CPU() firmware.CPU                    { return m.cpu }
func (m *Machine) Ports() firmware.PortIO               { return machinePorts{m} }

// machinePorts dispatches port I/O to whichever device claims the port.
// Unclaimed reads float high, unclaimed writes (the 0x80 delay port
// included) go nowhere.
type machinePorts struct{ m *Machine }

func (p machinePorts) In(port uint16) byte {
	if dev, ok := p.m.ports[port]; ok {
		return dev.In(port)
	}
	return 0xFF
}

func (p machinePorts) Out(port uint16, value byte) {
	if dev, ok := p.m.ports[port]; ok {
		dev.Out(port, value)
	}
}

// DefaultRegions returns a typical PC memory map for the given RAM size:
// conventional memory up to the EBDA, the BIOS areas reserved, extended
// memory above 1MiB, and the flash ROM shadow at the top of the address
// space.
func DefaultRegions(memSize uint64) []RangeDescriptor {
	regions := []RangeDescriptor{
		{Base: 0x00000000, Length: 0x0009FC00, Type: e820.TypeUsable},
		{Base: 0x0009FC00, Length: 0x00000400, Type: e820.TypeReserved},
		{Base: 0x000F0000, Length: 0x00010000, Type: e820.TypeReserved},
	}
	if memSize > 1<<20 {
		regions = append(regions, RangeDescriptor{
			Base:   1 << 20,
			Length: memSize - 1<<20,
			Type:   e820.TypeUsable,
		})
	}
	regions = append(regions, RangeDescriptor{
		Base:   0xFFFC0000,
		Length: 0x00040000,
		Type:   e820.TypeReserved,
	})
	return regions
}

var _ firmware.Machine = (*Machine)(nil)
