// Package vesa negotiates a VBE display mode: it queries the controller,
// scans the advertised mode list for the closest fit to the preferred
// resolution, activates the winner with a linear framebuffer, and leaves
// the resulting mode info block at a fixed address for the graphics stage.
package vesa

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stagezero/stagezero/internal/firmware"
)

// ModeListEnd terminates the controller's mode number list.
const ModeListEnd uint16 = 0xFFFF

// ModeAttrLinear flags a mode as linear-framebuffer capable.
const ModeAttrLinear = 1 << 14

// modeFlagLinear, set in the mode number handed to set-mode, requests the
// linear framebuffer.
const modeFlagLinear = 1 << 14

// infoSignature is what a valid controller block starts with; the request
// is pre-seeded with "VBE2" to ask for extended information.
var (
	infoSignature = [4]byte{'V', 'E', 'S', 'A'}
	infoRequest   = [4]byte{'V', 'B', 'E', '2'}
)

// InfoBlock is the controller information block, minus the OEM strings and
// reserved tail nobody here reads.
type InfoBlock struct {
	Signature   [4]byte
	Version     uint16
	ModeListPtr uint32
	TotalMemory uint16
}

// parseInfoBlock decodes the fixed header of the 512-byte block.
func parseInfoBlock(raw []byte) InfoBlock {
	var b InfoBlock
	copy(b.Signature[:], raw[0:4])
	b.Version = binary.LittleEndian.Uint16(raw[4:])
	b.ModeListPtr = binary.LittleEndian.Uint32(raw[14:])
	b.TotalMemory = binary.LittleEndian.Uint16(raw[18:])
	return b
}

// ModeInfo is the slice of the mode information block the negotiator and
// the next stage consume.
type ModeInfo struct {
	Attributes   uint16
	Pitch        uint16
	Width        uint16
	Height       uint16
	BitsPerPixel uint8
	Framebuffer  uint32
}

func parseModeInfo(raw []byte) ModeInfo {
	return ModeInfo{
		Attributes:   binary.LittleEndian.Uint16(raw[0:]),
		Pitch:        binary.LittleEndian.Uint16(raw[16:]),
		Width:        binary.LittleEndian.Uint16(raw[18:]),
		Height:       binary.LittleEndian.Uint16(raw[20:]),
		BitsPerPixel: raw[25],
		Framebuffer:  binary.LittleEndian.Uint32(raw[40:]),
	}
}

// Selection is the outcome of a successful negotiation.
type Selection struct {
	Mode         uint16
	Width        uint16
	Height       uint16
	BitsPerPixel uint8
	Framebuffer  uint32
	Score        int
}

// Negotiator holds the scan state. Unlike the disk path, nothing here is
// retried: a rejected VBE call means the display cannot be trusted at all,
// so the fatal path prints and halts.
type Negotiator struct {
	mem      firmware.Memory
	video    firmware.VideoService
	console  firmware.Console
	system   firmware.System
	infoAddr int64
	modeAddr int64
	prefW    uint16
	prefH    uint16
	log      *slog.Logger
}

// New builds a negotiator against the layout's VBE regions and the given
// preferred resolution. logger may be nil.
func New(mem firmware.Memory, video firmware.VideoService, console firmware.Console, system firmware.System, layout *firmware.Layout, prefW, prefH uint16, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		mem:      mem,
		video:    video,
		console:  console,
		system:   system,
		infoAddr: layout.MustRegion(firmware.RegionVBEInfo).Base,
		modeAddr: layout.MustRegion(firmware.RegionModeInfo).Base,
		prefW:    prefW,
		prefH:    prefH,
		log:      logger,
	}
}

// Score ranks a mode by how far it sits from a preferred resolution.
// Lower is better; the preferred geometry itself scores zero.
func Score(width, height, prefW, prefH uint16) int {
	return abs(int(width)-int(prefW)) + abs(int(height)-int(prefH))
}

func (n *Negotiator) score(width, height uint16) int {
	return Score(width, height, n.prefW, n.prefH)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Negotiate runs the full sequence: controller query, forward scan with
// strict-improvement selection (an equal score never replaces the first
// seen), set-mode with the linear framebuffer bit forced, and a final mode
// info query that fixes the block at the handoff address.
func (n *Negotiator) Negotiate() (Selection, error) {
	if _, err := n.mem.WriteAt(infoRequest[:], n.infoAddr); err != nil {
		return Selection{}, fmt.Errorf("seed VBE request signature: %w", err)
	}
	if st := n.video.ControllerInfo(n.infoAddr); !st.OK() {
		return Selection{}, n.fatal(fmt.Sprintf("VBE controller query rejected (status %#04x)", uint16(st)))
	}

	var raw [20]byte
	if _, err := n.mem.ReadAt(raw[:], n.infoAddr); err != nil {
		return Selection{}, fmt.Errorf("read VBE info block: %w", err)
	}
	info := parseInfoBlock(raw[:])
	if info.Signature != infoSignature {
		return Selection{}, n.fatal("VBE info block signature invalid")
	}

	best, ok := n.scanModes(info.ModeListPtr)
	if !ok {
		return Selection{}, n.fatal("no linear framebuffer mode available")
	}

	if st := n.video.SetMode(best | modeFlagLinear); !st.OK() {
		return Selection{}, n.fatal(fmt.Sprintf("VBE set mode %#04x rejected (status %#04x)", best, uint16(st)))
	}

	// Re-query the now-active mode so the graphics stage finds the final
	// block, linear framebuffer address included, at the fixed location.
	if st := n.video.ModeInfo(best, n.modeAddr); !st.OK() {
		return Selection{}, n.fatal(fmt.Sprintf("VBE mode info query rejected after set (status %#04x)", uint16(st)))
	}

	var modeRaw [44]byte
	if _, err := n.mem.ReadAt(modeRaw[:], n.modeAddr); err != nil {
		return Selection{}, fmt.Errorf("read VBE mode info block: %w", err)
	}
	mi := parseModeInfo(modeRaw[:])

	sel := Selection{
		Mode:         best,
		Width:        mi.Width,
		Height:       mi.Height,
		BitsPerPixel: mi.BitsPerPixel,
		Framebuffer:  mi.Framebuffer,
		Score:        n.score(mi.Width, mi.Height),
	}
	n.log.Debug("display mode selected",
		"mode", fmt.Sprintf("%#04x", sel.Mode),
		"resolution", fmt.Sprintf("%dx%d", sel.Width, sel.Height),
		"framebuffer", fmt.Sprintf("%#x", sel.Framebuffer))
	return sel, nil
}

// scanModes walks the mode number list at listPtr (a real-mode far pointer)
// and returns the best-scoring linear-capable mode. Modes whose info query
// fails are skipped; only activation failures are fatal.
func (n *Negotiator) scanModes(listPtr uint32) (uint16, bool) {
	addr := firmware.Linear(uint16(listPtr>>16), uint16(listPtr))

	var (
		bestMode  uint16
		bestScore int
		found     bool
	)

	for {
		var w [2]byte
		if _, err := n.mem.ReadAt(w[:], addr); err != nil {
			break
		}
		mode := binary.LittleEndian.Uint16(w[:])
		if mode == ModeListEnd {
			break
		}
		addr += 2

		if st := n.video.ModeInfo(mode, n.modeAddr); !st.OK() {
			n.log.Debug("mode info query failed during scan", "mode", fmt.Sprintf("%#04x", mode))
			continue
		}
		var raw [44]byte
		if _, err := n.mem.ReadAt(raw[:], n.modeAddr); err != nil {
			continue
		}
		mi := parseModeInfo(raw[:])
		if mi.Attributes&ModeAttrLinear == 0 {
			continue
		}

		score := n.score(mi.Width, mi.Height)
		if !found || score < bestScore {
			bestMode = mode
			bestScore = score
			found = true
		}
	}

	return bestMode, found
}

// fatal prints the diagnostic and parks the CPU. No retry and no reboot
// prompt: a display that rejects VBE calls cannot even show one reliably.
func (n *Negotiator) fatal(msg string) error {
	firmware.Println(n.console, msg)
	if err := n.system.Halt(); err != nil {
		return errors.Join(firmware.ErrVBEFailure, err)
	}
	return firmware.ErrVBEFailure
}
