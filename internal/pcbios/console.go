package pcbios

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"

	"github.com/stagezero/stagezero/internal/firmware"
)

// Console is the BIOS teletype device. Output is captured raw, mirrored to
// an optional writer, and fed through a VT emulator so control sequences
// (the clear-screen the boot banner starts with, cursor motion) behave the
// way a text screen does. Keystrokes come from a pluggable source.
type Console struct {
	mu     sync.Mutex
	raw    strings.Builder
	screen *vt.SafeEmulator

	// Echo, when set, receives every output byte as it is written. The
	// CLI points this at the host terminal.
	Echo func(b byte)

	// KeySource supplies the blocking keystroke reads. The default
	// behaves like an unattended machine with a jumpered keyboard: it
	// reports a key immediately.
	KeySource func() byte

	waits int
}

// NewConsole builds a cols x rows teletype screen.
func NewConsole(cols, rows int) *Console {
	return &Console{screen: vt.NewSafeEmulator(cols, rows)}
}

// Close releases the screen emulator.
func (c *Console) Close() error {
	return c.screen.Close()
}

// WriteChar implements firmware.Console.
func (c *Console) WriteChar(b byte) {
	c.mu.Lock()
	c.raw.WriteByte(b)
	_, _ = c.screen.Write([]byte{b})
	echo := c.Echo
	c.mu.Unlock()

	if echo != nil {
		echo(b)
	}
}

// WaitKey implements firmware.Console.
func (c *Console) WaitKey() byte {
	c.mu.Lock()
	src := c.KeySource
	c.waits++
	c.mu.Unlock()

	if src != nil {
		return src()
	}
	return 0
}

// KeyWaits reports how many blocking key reads happened, for tests of the
// fatal paths.
func (c *Console) KeyWaits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

// Transcript returns everything written so far with escape sequences
// stripped, one line per teletype CRLF.
func (c *Console) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ansi.Strip(c.raw.String())
}

// Lines splits the transcript into its non-empty lines.
func (c *Console) Lines() []string {
	var out []string
	for _, line := range strings.Split(c.Transcript(), "\r\n") {
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			out = append(out, line)
		}
	}
	return out
}

var _ firmware.Console = (*Console)(nil)
