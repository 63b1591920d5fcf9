// Package firmware defines the hardware-access boundaries the real-mode
// bring-up sequence runs against: BIOS disk, video, memory-map and system
// services, port I/O, the physical address bus and the CPU mode-transition
// surface. Everything in here is flag-level: calls report hardware status
// values, and the conversion to errors happens exactly once, in the
// component that issued the call.
package firmware

import (
	"errors"
	"io"
)

var (
	// ErrUnsupportedDiskInterface reports that the BIOS has no extended
	// (LBA) disk service. There is no CHS fallback.
	ErrUnsupportedDiskInterface = errors.New("extended disk interface not supported")

	// ErrDiskIO reports an extended read that kept failing after its
	// retry budget was spent.
	ErrDiskIO = errors.New("disk read failed")

	// ErrVBEFailure reports a VBE call that returned a non-success status.
	ErrVBEFailure = errors.New("VBE call failed")

	// ErrRebootRequested is surfaced by emulated machines when the boot
	// code reaches a press-any-key-to-reboot stop. Real firmware never
	// returns from that path.
	ErrRebootRequested = errors.New("guest requested reboot")

	// ErrHalted is surfaced by emulated machines when the boot code parks
	// the CPU in a terminal halt loop.
	ErrHalted = errors.New("machine halted")
)

// Memory is guest physical memory as seen through the address bus, after the
// A20 mask. Offsets passed to ReadAt/WriteAt are linear physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// Linear converts a real-mode segment:offset pair to a linear address.
// Segments overlap: FFFF:0510 lands on 0x100500, one line above the 1MiB
// boundary, which is exactly what the A20 wrap-around probe relies on.
func Linear(segment, offset uint16) int64 {
	return int64(segment)<<4 + int64(offset)
}

// DiskStatus mirrors the INT 13h result convention: the carry flag plus the
// status byte returned in AH.
type DiskStatus struct {
	Carry bool
	Code  uint8
}

// OK reports whether the call completed without the carry flag set.
func (s DiskStatus) OK() bool { return !s.Carry }

// DiskService is the BIOS extended (LBA) disk interface. Sector size is
// fixed at 512 bytes and addressing is flat; CHS access is not modelled.
type DiskService interface {
	// ExtensionsPresent performs the extensions-present check (41h) for
	// the given drive.
	ExtensionsPresent(drive uint8) bool

	// ExtendedRead performs one extended read (42h) described by pkt,
	// transferring sectors into memory at the packet's segment:offset.
	ExtendedRead(drive uint8, pkt *DiskAddressPacket) DiskStatus

	// Reset re-initializes the drive (00h). Used between read retries.
	Reset(drive uint8)
}

// E820Response is the register state returned by one memory-map call:
// carry flag, the echoed signature, the next continuation token and the
// number of descriptor bytes written (20 on pre-ACPI-3.0 firmware, 24
// otherwise).
type E820Response struct {
	Carry        bool
	Signature    uint32
	Continuation uint32
	Length       uint32
}

// MemoryMapService is the BIOS E820 interface. Each call writes one address
// range descriptor into memory at buf and reports the continuation state.
type MemoryMapService interface {
	QueryRange(continuation uint32, buf int64) E820Response
}

// VBEStatus is the AX register after a VBE call. 0x004F means the function
// is supported and completed successfully; anything else is a failure.
type VBEStatus uint16

// VBESuccess is the only status a VBE call may return without the caller
// treating it as fatal.
const VBESuccess VBEStatus = 0x004F

// OK reports whether the call returned the designated success status.
func (s VBEStatus) OK() bool { return s == VBESuccess }

// VideoService is the VBE (INT 10h, 4Fxxh) interface. Info blocks are
// exchanged through fixed memory addresses, the way ES:DI pointers work on
// the real service.
type VideoService interface {
	// ControllerInfo performs VBE function 00h, writing a 512-byte
	// controller info block at buf. The caller pre-seeds the block
	// signature to request extended information.
	ControllerInfo(buf int64) VBEStatus

	// ModeInfo performs VBE function 01h for mode, writing a 256-byte
	// mode info block at buf.
	ModeInfo(mode uint16, buf int64) VBEStatus

	// SetMode performs VBE function 02h. Bit 14 of mode requests a linear
	// framebuffer, bit 15 suppresses the display memory clear.
	SetMode(mode uint16) VBEStatus
}

// Console is the BIOS teletype output plus the blocking keystroke wait used
// on fatal paths. Output is guest-visible diagnostics, never parsed back.
type Console interface {
	WriteChar(b byte)

	// WaitKey blocks until a keystroke is available and returns it.
	WaitKey() byte
}

// Print writes s to the console one character at a time, the way the
// teletype service consumes it.
func Print(c Console, s string) {
	for i := 0; i < len(s); i++ {
		c.WriteChar(s[i])
	}
}

// Println prints s followed by the CRLF pair the teletype service expects.
func Println(c Console, s string) {
	Print(c, s+"\r\n")
}

// System bundles the remaining INT 15h-style services the bring-up sequence
// needs: the BIOS A20 enable call and the two terminal stops.
type System interface {
	// EnableA20 issues the BIOS A20 enable service (AX=2401). The return
	// value is the carry-flag result; callers must re-probe the gate
	// rather than trust it.
	EnableA20() bool

	// Reboot transfers control to the BIOS reset vector. Real firmware
	// never returns from it; emulations report ErrRebootRequested.
	Reboot() error

	// Halt parks the CPU in an infinite loop. Emulations report
	// ErrHalted.
	Halt() error
}

// PortIO is byte-wide x86 port I/O.
type PortIO interface {
	In(port uint16) byte
	Out(port uint16, value byte)
}

// DelayPort is the traditional dummy-write I/O delay port.
const DelayPort uint16 = 0x80

// Delay burns one port-I/O cycle, the classic settle delay between
// keyboard-controller accesses.
func Delay(p PortIO) {
	p.Out(DelayPort, 0)
}

// CPU exposes the instructions the bring-up sequence ends with. A far jump
// or mode switch on real hardware does not return; emulated CPUs run the
// registered entry handler and then hand control back so the caller can
// observe the final machine state.
type CPU interface {
	// FarJump transfers control to segment:offset in real mode.
	FarJump(segment, offset uint16) error

	// Lgdt loads the descriptor-table register with the given base and
	// limit.
	Lgdt(base uint32, limit uint16)

	// EnterProtectedMode sets CR0.PE, reloads every segment register
	// against the given selectors and jumps to the 32-bit entry point.
	EnterProtectedMode(codeSelector, dataSelector uint16, entry uint32) error
}

// Machine is the full set of firmware services available to the real-mode
// bring-up sequence.
type Machine interface {
	Memory() Memory
	Disk() DiskService
	Video() VideoService
	MemoryMap() MemoryMapService
	Console() Console
	System() System
	Ports() PortIO
	CPU() CPU
}
