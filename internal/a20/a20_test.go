package a20

import (
	"testing"

	"github.com/stagezero/stagezero/internal/firmware"
)

// wrapMemory models the address bus with a switchable 1MiB wrap, enough
// backing store to cover both probe aliases.
type wrapMemory struct {
	data []byte
	gate bool
}

func newWrapMemory() *wrapMemory {
	return &wrapMemory{data: make([]byte, 0x110000)}
}

func (m *wrapMemory) translate(off int64) int64 {
	if m.gate {
		return off
	}
	return off &^ (1 << 20)
}

func (m *wrapMemory) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = m.data[m.translate(off+int64(i))]
	}
	return len(p), nil
}

func (m *wrapMemory) WriteAt(p []byte, off int64) (int, error) {
	for i, b := range p {
		m.data[m.translate(off+int64(i))] = b
	}
	return len(p), nil
}

func (m *wrapMemory) Size() uint64 { return uint64(len(m.data)) }

type portWrite struct {
	port  uint16
	value byte
}

// gatePorts is an 8042 front end that always reports ready status and
// opens the memory gate when the output port is rewritten with the A20
// bit, when armed to do so.
type gatePorts struct {
	mem     *wrapMemory
	works   bool
	output  byte
	writes  []portWrite
	pending bool
}

func (p *gatePorts) In(port uint16) byte {
	switch port {
	case 0x64:
		// Input buffer empty, output buffer full.
		return 0x01
	case 0x60:
		return p.output
	}
	return 0xFF
}

func (p *gatePorts) Out(port uint16, value byte) {
	if port == firmware.DelayPort {
		return
	}
	p.writes = append(p.writes, portWrite{port, value})

	switch {
	case port == 0x64 && value == 0xD1:
		p.pending = true
	case port == 0x60 && p.pending:
		p.pending = false
		p.output = value
		if p.works && value&0x02 != 0 {
			p.mem.gate = true
		}
	}
}

func TestProbeReflectsGate(t *testing.T) {
	mem := newWrapMemory()
	c := New(mem, firmware.SimplePortIO{}, firmware.SimpleSystem{}, nil)

	if c.Enabled() {
		t.Fatal("probe reports open gate on wrapped bus")
	}

	mem.gate = true
	if !c.Enabled() {
		t.Fatal("probe reports closed gate on unwrapped bus")
	}
}

func TestProbeLeavesNoFalsePositive(t *testing.T) {
	// With the gate closed both aliases hit the same byte. A second probe
	// must still see the wrap even after the first one wrote through it.
	mem := newWrapMemory()
	c := New(mem, firmware.SimplePortIO{}, firmware.SimpleSystem{}, nil)

	for i := 0; i < 3; i++ {
		if c.Enabled() {
			t.Fatalf("probe %d reports open gate on wrapped bus", i)
		}
	}
}

func TestEnableGateAlreadyOpen(t *testing.T) {
	mem := newWrapMemory()
	mem.gate = true

	biosCalls := 0
	system := firmware.SimpleSystem{
		EnableA20Func: func() bool { biosCalls++; return true },
	}

	c := New(mem, firmware.SimplePortIO{}, system, nil)
	if got := c.Enable(); got != StateEnabled {
		t.Fatalf("Enable = %v, want enabled", got)
	}
	if biosCalls != 0 {
		t.Errorf("BIOS service called %d times for an open gate", biosCalls)
	}
}

func TestEnableViaBios(t *testing.T) {
	mem := newWrapMemory()
	biosCalls := 0
	system := firmware.SimpleSystem{
		EnableA20Func: func() bool { biosCalls++; mem.gate = true; return true },
	}
	ports := &gatePorts{mem: mem}

	c := New(mem, ports, system, nil)
	if got := c.Enable(); got != StateEnabled {
		t.Fatalf("Enable = %v, want enabled", got)
	}
	if biosCalls != 1 {
		t.Errorf("BIOS calls = %d, want 1", biosCalls)
	}
	if len(ports.writes) != 0 {
		t.Errorf("keyboard controller touched after BIOS success: %v", ports.writes)
	}
}

func TestEnableViaKeyboardController(t *testing.T) {
	mem := newWrapMemory()
	ports := &gatePorts{mem: mem, works: true, output: 0xDD}

	biosCalls := 0
	system := firmware.SimpleSystem{
		EnableA20Func: func() bool { biosCalls++; return false },
	}

	c := New(mem, ports, system, nil)
	if got := c.Enable(); got != StateEnabled {
		t.Fatalf("Enable = %v, want enabled", got)
	}
	if biosCalls != 1 {
		t.Errorf("BIOS calls = %d, want 1 before falling back", biosCalls)
	}

	want := []portWrite{
		{0x64, 0xAD},
		{0x64, 0xD0},
		{0x64, 0xD1},
		{0x60, 0xDD | 0x02},
		{0x64, 0xAE},
	}
	if len(ports.writes) != len(want) {
		t.Fatalf("port writes = %v, want %v", ports.writes, want)
	}
	for i, w := range ports.writes {
		if w != want[i] {
			t.Errorf("write %d = %+v, want %+v", i, w, want[i])
		}
	}
}

func TestEnableViaBiosRetry(t *testing.T) {
	// The keyboard controller is wedged; the second BIOS attempt works.
	mem := newWrapMemory()
	ports := &gatePorts{mem: mem}

	biosCalls := 0
	system := firmware.SimpleSystem{
		EnableA20Func: func() bool {
			biosCalls++
			if biosCalls == 2 {
				mem.gate = true
			}
			return biosCalls == 2
		},
	}

	c := New(mem, ports, system, nil)
	if got := c.Enable(); got != StateEnabled {
		t.Fatalf("Enable = %v, want enabled", got)
	}
	if biosCalls != 2 {
		t.Errorf("BIOS calls = %d, want 2", biosCalls)
	}
}

func TestEnableExhausted(t *testing.T) {
	mem := newWrapMemory()
	ports := &gatePorts{mem: mem}
	system := firmware.SimpleSystem{
		EnableA20Func: func() bool { return false },
	}

	c := New(mem, ports, system, nil)
	if got := c.Enable(); got != StateExhausted {
		t.Fatalf("Enable = %v, want exhausted", got)
	}
	if mem.gate {
		t.Error("gate opened despite every strategy failing")
	}
}

func TestStateStrings(t *testing.T) {
	for state, want := range map[State]string{
		StateStart:        "start",
		StateTryBiosFirst: "try-bios",
		StateEnabled:      "enabled",
		StateExhausted:    "exhausted",
		State(99):         "invalid",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
