package pcbios

import (
	"encoding/binary"
	"sync"

	"github.com/stagezero/stagezero/internal/firmware"
	"github.com/stagezero/stagezero/internal/vesa"
)

// vbeFailed is the status a rejected call returns: function supported,
// call failed.
const vbeFailed firmware.VBEStatus = 0x014F

// VBEFunction identifies one of the three VBE calls for the hook.
type VBEFunction uint8

const (
	VBEControllerInfo VBEFunction = iota
	VBEModeInfo
	VBESetMode
)

// VideoMode is one entry of the adapter's mode table.
type VideoMode struct {
	Number       uint16
	Width        uint16
	Height       uint16
	BitsPerPixel uint8
	Attributes   uint16
	Framebuffer  uint32
	Pitch        uint16
}

// Video models a VBE 3.0 adapter with a fixed mode table.
type Video struct {
	mu      sync.Mutex
	mem     firmware.Memory
	modes   []VideoMode
	current uint16
	active  bool

	// CallHook, when set, can override the status of any call. Used to
	// exercise the fatal paths.
	CallHook func(fn VBEFunction, mode uint16) (firmware.VBEStatus, bool)
}

// NewVideo builds the adapter.
func NewVideo(mem firmware.Memory, modes []VideoMode) *Video {
	return &Video{mem: mem, modes: modes}
}

// CurrentMode reports the active mode number and whether a set-mode call
// has happened at all.
func (v *Video) CurrentMode() (uint16, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current, v.active
}

func (v *Video) hook(fn VBEFunction, mode uint16) (firmware.VBEStatus, bool) {
	if v.CallHook != nil {
		return v.CallHook(fn, mode)
	}
	return 0, false
}

// ControllerInfo implements firmware.VideoService. The 512-byte block is
// written at buf with the mode list placed in the block's reserved tail,
// which is where real firmware tends to put it.
func (v *Video) ControllerInfo(buf int64) firmware.VBEStatus {
	if st, ok := v.hook(VBEControllerInfo, 0); ok {
		return st
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	raw := make([]byte, 512)
	copy(raw[0:4], "VESA")
	binary.LittleEndian.PutUint16(raw[4:], 0x0300)

	// Mode list at buf+0x100, expressed as a far pointer.
	listAddr := buf + 0x100
	listOff := 0x100
	for i, m := range v.modes {
		binary.LittleEndian.PutUint16(raw[listOff+2*i:], m.Number)
	}
	binary.LittleEndian.PutUint16(raw[listOff+2*len(v.modes):], vesa.ModeListEnd)

	far := uint32(listAddr>>4)<<16 | uint32(listAddr&0xF)
	binary.LittleEndian.PutUint32(raw[14:], far)
	binary.LittleEndian.PutUint16(raw[18:], 256) // 16MiB of display memory

	if _, err := v.mem.WriteAt(raw, buf); err != nil {
		return vbeFailed
	}
	return firmware.VBESuccess
}

// ModeInfo implements firmware.VideoService.
func (v *Video) ModeInfo(mode uint16, buf int64) firmware.VBEStatus {
	if st, ok := v.hook(VBEModeInfo, mode); ok {
		return st
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.lookupLocked(mode)
	if !ok {
		return vbeFailed
	}

	raw := make([]byte, 256)
	binary.LittleEndian.PutUint16(raw[0:], m.Attributes)
	binary.LittleEndian.PutUint16(raw[16:], m.Pitch)
	binary.LittleEndian.PutUint16(raw[18:], m.Width)
	binary.LittleEndian.PutUint16(raw[20:], m.Height)
	raw[25] = m.BitsPerPixel
	binary.LittleEndian.PutUint32(raw[40:], m.Framebuffer)

	if _, err := v.mem.WriteAt(raw, buf); err != nil {
		return vbeFailed
	}
	return firmware.VBESuccess
}

// SetMode implements firmware.VideoService. The linear-framebuffer request
// bit is only honoured for modes that advertise the capability.
func (v *Video) SetMode(mode uint16) firmware.VBEStatus {
	if st, ok := v.hook(VBESetMode, mode); ok {
		return st
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	number := mode & 0x01FF
	m, ok := v.lookupLocked(number)
	if !ok {
		return vbeFailed
	}
	if mode&(1<<14) != 0 && m.Attributes&vesa.ModeAttrLinear == 0 {
		return vbeFailed
	}

	v.current = number
	v.active = true
	return firmware.VBESuccess
}

func (v *Video) lookupLocked(number uint16) (VideoMode, bool) {
	for _, m := range v.modes {
		if m.Number == number&0x01FF {
			return m, true
		}
	}
	return VideoMode{}, false
}

// DefaultModes returns a plausible flat-panel mode table.
func DefaultModes() []VideoMode {
	return []VideoMode{
		{Number: 0x0111, Width: 640, Height: 480, BitsPerPixel: 16, Attributes: vesa.ModeAttrLinear | 0x1B, Framebuffer: 0xE0000000, Pitch: 1280},
		{Number: 0x0114, Width: 800, Height: 600, BitsPerPixel: 16, Attributes: vesa.ModeAttrLinear | 0x1B, Framebuffer: 0xE0000000, Pitch: 1600},
		{Number: 0x0117, Width: 1024, Height: 768, BitsPerPixel: 16, Attributes: vesa.ModeAttrLinear | 0x1B, Framebuffer: 0xE0000000, Pitch: 2048},
		{Number: 0x0141, Width: 1280, Height: 720, BitsPerPixel: 32, Attributes: vesa.ModeAttrLinear | 0x1B, Framebuffer: 0xE0000000, Pitch: 5120},
		{Number: 0x0143, Width: 1440, Height: 900, BitsPerPixel: 32, Attributes: vesa.ModeAttrLinear | 0x1B, Framebuffer: 0xE0000000, Pitch: 5760},
		{Number: 0x0145, Width: 1920, Height: 1080, BitsPerPixel: 32, Attributes: vesa.ModeAttrLinear | 0x1B, Framebuffer: 0xE0000000, Pitch: 7680},
	}
}

var _ firmware.VideoService = (*Video)(nil)
