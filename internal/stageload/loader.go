// Package stageload loads successive boot stages from the BIOS extended
// disk service into fixed real-mode segments.
package stageload

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/stagezero/stagezero/internal/firmware"
)

// readAttempts is the retry budget for one chunk. The budget is per chunk:
// every 128-sector packet starts with a fresh count, and the drive is reset
// between failed attempts.
const readAttempts = 5

// Loader issues chunked, retried extended reads for one boot drive. Both
// failure modes (missing extensions, exhausted retries) are terminal: the
// loader prints a diagnostic and parks the machine on the
// press-any-key-to-reboot path rather than handing an error back to a
// caller that has no way to recover.
type Loader struct {
	disk    firmware.DiskService
	console firmware.Console
	system  firmware.System
	cpu     firmware.CPU
	drive   uint8
	log     *slog.Logger
}

// New builds a loader for the given drive. logger may be nil.
func New(disk firmware.DiskService, console firmware.Console, system firmware.System, cpu firmware.CPU, drive uint8, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		disk:    disk,
		console: console,
		system:  system,
		cpu:     cpu,
		drive:   drive,
		log:     logger,
	}
}

// CheckExtendedDiskSupport verifies the BIOS offers the extended (LBA) disk
// service. Absence is fatal; no CHS fallback exists.
func (l *Loader) CheckExtendedDiskSupport() error {
	if l.disk.ExtensionsPresent(l.drive) {
		return nil
	}
	l.log.Error("extended disk interface missing", "drive", fmt.Sprintf("%#x", l.drive))
	return l.fatal(firmware.ErrUnsupportedDiskInterface, "no LBA disk extensions present")
}

// LoadSectors reads sectorCount sectors starting at startLBA into memory at
// destSegment:0000. The request is split into chunks of at most 128 sectors
// (one segment's worth); after each successful chunk the destination
// segment advances by the bytes transferred, expressed in 16-byte segment
// units. A zero sectorCount issues no packets at all.
func (l *Loader) LoadSectors(startLBA uint64, sectorCount uint32, destSegment uint16) error {
	segment := destSegment
	lba := startLBA

	for remaining := sectorCount; remaining > 0; {
		chunk := remaining
		if chunk > firmware.MaxSectorsPerRead {
			chunk = firmware.MaxSectorsPerRead
		}

		pkt := firmware.NewDiskAddressPacket(uint16(chunk), segment, 0, lba)
		if err := l.readChunk(&pkt); err != nil {
			return err
		}

		segment += uint16(chunk * firmware.SectorSize / 16)
		lba += uint64(chunk)
		remaining -= chunk
	}

	l.log.Debug("stage load complete",
		"lba", startLBA, "sectors", sectorCount,
		"segment", fmt.Sprintf("%#04x", destSegment))
	return nil
}

// Enter transfers control to the loaded stage at segment:offset. On real
// firmware this never returns.
func (l *Loader) Enter(segment, offset uint16) error {
	return l.cpu.FarJump(segment, offset)
}

func (l *Loader) readChunk(pkt *firmware.DiskAddressPacket) error {
	for attempt := 1; ; attempt++ {
		st := l.disk.ExtendedRead(l.drive, pkt)
		if st.OK() {
			return nil
		}

		l.log.Warn("extended read failed",
			"lba", pkt.LBA(), "sectors", pkt.SectorCount,
			"status", fmt.Sprintf("%#02x", st.Code), "attempt", attempt)

		if attempt == readAttempts {
			return l.fatal(firmware.ErrDiskIO, "disk read failure")
		}
		l.disk.Reset(l.drive)
	}
}

// fatal prints the diagnostic, waits for a keystroke and hands the machine
// to the BIOS reset vector. The returned error carries both the cause and
// the reboot outcome so emulated callers can observe each.
func (l *Loader) fatal(cause error, msg string) error {
	firmware.Println(l.console, msg)
	firmware.Println(l.console, "press any key to reboot")
	l.console.WaitKey()

	if err := l.system.Reboot(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
