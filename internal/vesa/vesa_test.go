package vesa

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stagezero/stagezero/internal/firmware"
)

type flatMemory struct {
	data []byte
}

func newFlatMemory() *flatMemory {
	return &flatMemory{data: make([]byte, 1<<20)}
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func (m *flatMemory) Size() uint64 { return uint64(len(m.data)) }

type testMode struct {
	number uint16
	width  uint16
	height uint16
	bpp    uint8
	attrs  uint16
	fb     uint32

	// infoFails makes the mode info query for this mode return failure.
	infoFails bool
}

// modeListSeg places the advertised mode number list at 0600:0000.
const modeListSeg = 0x0600

// testAdapter scripts the three VBE calls over a shared memory image.
type testAdapter struct {
	t     *testing.T
	mem   *flatMemory
	modes []testMode

	badSignature   bool
	controllerFail bool
	setModeFail    bool

	setModes []uint16
}

func (a *testAdapter) service() firmware.SimpleVideoService {
	return firmware.SimpleVideoService{
		ControllerInfoFunc: a.controllerInfo,
		ModeInfoFunc:       a.modeInfo,
		SetModeFunc:        a.setMode,
	}
}

func (a *testAdapter) controllerInfo(buf int64) firmware.VBEStatus {
	if a.controllerFail {
		return 0x014F
	}

	var req [4]byte
	if _, err := a.mem.ReadAt(req[:], buf); err != nil {
		a.t.Fatalf("read request signature: %v", err)
	}
	if string(req[:]) != "VBE2" {
		a.t.Errorf("request signature = %q, want pre-seeded VBE2", req[:])
	}

	block := make([]byte, 512)
	copy(block, "VESA")
	if a.badSignature {
		copy(block, "XXXX")
	}
	binary.LittleEndian.PutUint16(block[4:], 0x0300)
	binary.LittleEndian.PutUint32(block[14:], uint32(modeListSeg)<<16)
	binary.LittleEndian.PutUint16(block[18:], 256)
	if _, err := a.mem.WriteAt(block, buf); err != nil {
		a.t.Fatalf("write info block: %v", err)
	}

	list := firmware.Linear(modeListSeg, 0)
	for i, m := range a.modes {
		var w [2]byte
		binary.LittleEndian.PutUint16(w[:], m.number)
		if _, err := a.mem.WriteAt(w[:], list+int64(i)*2); err != nil {
			a.t.Fatalf("write mode list: %v", err)
		}
	}
	var end [2]byte
	binary.LittleEndian.PutUint16(end[:], ModeListEnd)
	if _, err := a.mem.WriteAt(end[:], list+int64(len(a.modes))*2); err != nil {
		a.t.Fatalf("write mode list terminator: %v", err)
	}

	return firmware.VBESuccess
}

func (a *testAdapter) modeInfo(mode uint16, buf int64) firmware.VBEStatus {
	for _, m := range a.modes {
		if m.number != mode {
			continue
		}
		if m.infoFails {
			return 0x014F
		}

		block := make([]byte, 256)
		binary.LittleEndian.PutUint16(block[0:], m.attrs)
		binary.LittleEndian.PutUint16(block[16:], m.width*4)
		binary.LittleEndian.PutUint16(block[18:], m.width)
		binary.LittleEndian.PutUint16(block[20:], m.height)
		block[25] = m.bpp
		binary.LittleEndian.PutUint32(block[40:], m.fb)
		if _, err := a.mem.WriteAt(block, buf); err != nil {
			a.t.Fatalf("write mode info block: %v", err)
		}
		return firmware.VBESuccess
	}
	return 0x014F
}

func (a *testAdapter) setMode(mode uint16) firmware.VBEStatus {
	a.setModes = append(a.setModes, mode)
	if a.setModeFail {
		return 0x014F
	}
	return firmware.VBESuccess
}

type haltConsole struct {
	out    strings.Builder
	halted bool
}

func (c *haltConsole) WriteChar(b byte) { c.out.WriteByte(b) }
func (c *haltConsole) WaitKey() byte    { return 0 }

func (c *haltConsole) system() firmware.SimpleSystem {
	return firmware.SimpleSystem{
		HaltFunc: func() error { c.halted = true; return firmware.ErrHalted },
	}
}

func negotiate(t *testing.T, adapter *testAdapter, prefW, prefH uint16) (Selection, *haltConsole, error) {
	t.Helper()
	console := &haltConsole{}
	n := New(adapter.mem, adapter.service(), console, console.system(),
		firmware.DefaultLayout(), prefW, prefH, nil)
	sel, err := n.Negotiate()
	return sel, console, err
}

func TestExactResolutionWins(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0101, width: 640, height: 480, bpp: 8, attrs: ModeAttrLinear},
		{number: 0x0143, width: 1440, height: 900, bpp: 32, attrs: ModeAttrLinear, fb: 0xE000_0000},
		{number: 0x0118, width: 1024, height: 768, bpp: 24, attrs: ModeAttrLinear},
	}}

	sel, _, err := negotiate(t, adapter, 1440, 900)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Mode != 0x0143 {
		t.Errorf("mode = %#04x, want 0x0143", sel.Mode)
	}
	if sel.Score != 0 {
		t.Errorf("score = %d, want 0", sel.Score)
	}
	if sel.Width != 1440 || sel.Height != 900 || sel.BitsPerPixel != 32 {
		t.Errorf("geometry = %dx%d %d bpp", sel.Width, sel.Height, sel.BitsPerPixel)
	}
	if sel.Framebuffer != 0xE000_0000 {
		t.Errorf("framebuffer = %#x", sel.Framebuffer)
	}
}

func TestCloserResolutionBeatsFarther(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0111, width: 1280, height: 720, bpp: 32, attrs: ModeAttrLinear},
		{number: 0x0144, width: 1600, height: 900, bpp: 32, attrs: ModeAttrLinear},
	}}

	sel, _, err := negotiate(t, adapter, 1440, 900)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Mode != 0x0144 {
		t.Errorf("mode = %#04x, want 0x0144 (1600x900 is closer than 1280x720)", sel.Mode)
	}
}

func TestEqualScoreKeepsFirstSeen(t *testing.T) {
	// 1400x900 and 1480x900 both score 40 against 1440x900; the scan
	// must keep the one that appeared first in the list.
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0150, width: 1400, height: 900, bpp: 32, attrs: ModeAttrLinear},
		{number: 0x0151, width: 1480, height: 900, bpp: 32, attrs: ModeAttrLinear},
	}}

	sel, _, err := negotiate(t, adapter, 1440, 900)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Mode != 0x0150 {
		t.Errorf("mode = %#04x, want first-listed 0x0150 on a tie", sel.Mode)
	}
}

func TestNonLinearModesSkipped(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0143, width: 1440, height: 900, bpp: 32, attrs: 0},
		{number: 0x0118, width: 1024, height: 768, bpp: 24, attrs: ModeAttrLinear},
	}}

	sel, _, err := negotiate(t, adapter, 1440, 900)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Mode != 0x0118 {
		t.Errorf("mode = %#04x, want 0x0118 (the only linear-capable mode)", sel.Mode)
	}
}

func TestFailedModeInfoQuerySkipsMode(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0143, width: 1440, height: 900, bpp: 32, attrs: ModeAttrLinear, infoFails: true},
		{number: 0x0118, width: 1024, height: 768, bpp: 24, attrs: ModeAttrLinear},
	}}

	sel, _, err := negotiate(t, adapter, 1440, 900)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Mode != 0x0118 {
		t.Errorf("mode = %#04x, want the queryable 0x0118", sel.Mode)
	}
}

func TestSetModeForcesLinearBit(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0143, width: 1440, height: 900, bpp: 32, attrs: ModeAttrLinear},
	}}

	if _, _, err := negotiate(t, adapter, 1440, 900); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if len(adapter.setModes) != 1 {
		t.Fatalf("set-mode calls = %v, want exactly one", adapter.setModes)
	}
	if adapter.setModes[0] != 0x0143|uint16(modeFlagLinear) {
		t.Errorf("set mode %#04x, want linear bit forced", adapter.setModes[0])
	}
}

func TestControllerFailureHaltsBeforeSetMode(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, controllerFail: true}

	_, console, err := negotiate(t, adapter, 1440, 900)
	if !errors.Is(err, firmware.ErrVBEFailure) {
		t.Fatalf("err = %v, want ErrVBEFailure", err)
	}
	if !errors.Is(err, firmware.ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted wrapped in", err)
	}
	if !console.halted {
		t.Error("machine not halted")
	}
	if len(adapter.setModes) != 0 {
		t.Errorf("set-mode called on the fatal path: %v", adapter.setModes)
	}
	if !strings.Contains(console.out.String(), "VBE controller query rejected") {
		t.Errorf("console output %q missing diagnostic", console.out.String())
	}
}

func TestBadSignatureHalts(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, badSignature: true}

	_, console, err := negotiate(t, adapter, 1440, 900)
	if !errors.Is(err, firmware.ErrVBEFailure) {
		t.Fatalf("err = %v, want ErrVBEFailure", err)
	}
	if !console.halted {
		t.Error("machine not halted")
	}
}

func TestNoLinearModeHalts(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, modes: []testMode{
		{number: 0x0143, width: 1440, height: 900, bpp: 32, attrs: 0},
	}}

	_, console, err := negotiate(t, adapter, 1440, 900)
	if !errors.Is(err, firmware.ErrVBEFailure) {
		t.Fatalf("err = %v, want ErrVBEFailure", err)
	}
	if !strings.Contains(console.out.String(), "no linear framebuffer mode available") {
		t.Errorf("console output %q missing diagnostic", console.out.String())
	}
}

func TestSetModeFailureHalts(t *testing.T) {
	mem := newFlatMemory()
	adapter := &testAdapter{t: t, mem: mem, setModeFail: true, modes: []testMode{
		{number: 0x0143, width: 1440, height: 900, bpp: 32, attrs: ModeAttrLinear},
	}}

	_, console, err := negotiate(t, adapter, 1440, 900)
	if !errors.Is(err, firmware.ErrVBEFailure) {
		t.Fatalf("err = %v, want ErrVBEFailure", err)
	}
	if !console.halted {
		t.Error("machine not halted")
	}
}

func TestScore(t *testing.T) {
	for _, tc := range []struct {
		w, h uint16
		want int
	}{
		{1440, 900, 0},
		{1600, 900, 160},
		{1280, 720, 340},
		{640, 480, 1220},
	} {
		if got := Score(tc.w, tc.h, 1440, 900); got != tc.want {
			t.Errorf("Score(%d, %d) = %d, want %d", tc.w, tc.h, got, tc.want)
		}
	}
}
