package pcbios

import (
	"encoding/binary"
	"testing"

	"github.com/stagezero/stagezero/internal/firmware"
	"github.com/stagezero/stagezero/internal/vesa"
)

func newVideoRAM(t *testing.T) *RAM {
	t.Helper()
	ram, err := NewRAM(1 << 20)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	ram.SetA20(true)
	return ram
}

func TestControllerInfoBlock(t *testing.T) {
	ram := newVideoRAM(t)
	video := NewVideo(ram, DefaultModes())

	const buf = 0x4F00
	if st := video.ControllerInfo(buf); !st.OK() {
		t.Fatalf("ControllerInfo: %#04x", uint16(st))
	}

	raw := make([]byte, 512)
	if _, err := ram.ReadAt(raw, buf); err != nil {
		t.Fatalf("read block: %v", err)
	}

	if string(raw[0:4]) != "VESA" {
		t.Fatalf("signature = %q", raw[0:4])
	}
	if v := binary.LittleEndian.Uint16(raw[4:]); v != 0x0300 {
		t.Errorf("version = %#04x, want 3.0", v)
	}

	// The mode list far pointer must resolve inside the block and list
	// every mode, terminated with 0xFFFF.
	far := binary.LittleEndian.Uint32(raw[14:])
	list := firmware.Linear(uint16(far>>16), uint16(far))
	if list != buf+0x100 {
		t.Fatalf("mode list at %#x, want %#x", list, buf+0x100)
	}

	modes := DefaultModes()
	for i, m := range modes {
		var w [2]byte
		if _, err := ram.ReadAt(w[:], list+int64(i)*2); err != nil {
			t.Fatalf("read mode list: %v", err)
		}
		if got := binary.LittleEndian.Uint16(w[:]); got != m.Number {
			t.Errorf("list entry %d = %#04x, want %#04x", i, got, m.Number)
		}
	}
	var end [2]byte
	if _, err := ram.ReadAt(end[:], list+int64(len(modes))*2); err != nil {
		t.Fatalf("read terminator: %v", err)
	}
	if binary.LittleEndian.Uint16(end[:]) != vesa.ModeListEnd {
		t.Error("mode list not terminated")
	}
}

func TestModeInfoBlockLayout(t *testing.T) {
	ram := newVideoRAM(t)
	video := NewVideo(ram, DefaultModes())

	const buf = 0x5100
	if st := video.ModeInfo(0x0143, buf); !st.OK() {
		t.Fatalf("ModeInfo: %#04x", uint16(st))
	}

	raw := make([]byte, 44)
	if _, err := ram.ReadAt(raw, buf); err != nil {
		t.Fatalf("read block: %v", err)
	}

	if attrs := binary.LittleEndian.Uint16(raw[0:]); attrs&vesa.ModeAttrLinear == 0 {
		t.Error("linear attribute missing")
	}
	if w := binary.LittleEndian.Uint16(raw[18:]); w != 1440 {
		t.Errorf("width = %d", w)
	}
	if h := binary.LittleEndian.Uint16(raw[20:]); h != 900 {
		t.Errorf("height = %d", h)
	}
	if raw[25] != 32 {
		t.Errorf("bpp = %d", raw[25])
	}
	if fb := binary.LittleEndian.Uint32(raw[40:]); fb != 0xE0000000 {
		t.Errorf("framebuffer = %#x", fb)
	}
}

func TestModeInfoUnknownModeFails(t *testing.T) {
	ram := newVideoRAM(t)
	video := NewVideo(ram, DefaultModes())

	if st := video.ModeInfo(0x01FF, 0x5100); st.OK() {
		t.Fatal("unknown mode accepted")
	}
}

func TestSetModeLinearRequest(t *testing.T) {
	ram := newVideoRAM(t)
	modes := []VideoMode{
		{Number: 0x0101, Width: 640, Height: 480, BitsPerPixel: 8},
		{Number: 0x0143, Width: 1440, Height: 900, BitsPerPixel: 32, Attributes: vesa.ModeAttrLinear},
	}
	video := NewVideo(ram, modes)

	// LFB request against a non-linear mode is refused.
	if st := video.SetMode(0x0101 | 1<<14); st.OK() {
		t.Fatal("LFB set accepted for a non-linear mode")
	}
	if _, active := video.CurrentMode(); active {
		t.Fatal("mode latched by the rejected set")
	}

	if st := video.SetMode(0x0143 | 1<<14); !st.OK() {
		t.Fatalf("SetMode: %#04x", uint16(st))
	}
	mode, active := video.CurrentMode()
	if !active || mode != 0x0143 {
		t.Fatalf("current mode = %#04x active=%v, want 0x0143", mode, active)
	}
}

func TestCallHookOverridesStatus(t *testing.T) {
	ram := newVideoRAM(t)
	video := NewVideo(ram, DefaultModes())

	video.CallHook = func(fn VBEFunction, mode uint16) (firmware.VBEStatus, bool) {
		if fn == VBESetMode {
			return vbeFailed, true
		}
		return 0, false
	}

	if st := video.ControllerInfo(0x4F00); !st.OK() {
		t.Fatalf("hook intercepted the wrong call: %#04x", uint16(st))
	}
	if st := video.SetMode(0x0143 | 1<<14); st.OK() {
		t.Fatal("hooked set-mode succeeded")
	}
}
