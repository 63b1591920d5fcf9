package pcbios

import (
	"io"
	"sync"

	"github.com/stagezero/stagezero/internal/firmware"
)

// INT 13h status codes the service reports.
const (
	diskStatusOK            = 0x00
	diskStatusBadCommand    = 0x01
	diskStatusBadSector     = 0x04
	diskStatusUncorrectable = 0x10
)

// Disk serves extended reads from a flat LBA image.
type Disk struct {
	mu      sync.Mutex
	image   io.ReaderAt
	sectors uint64
	drive   uint8
	mem     firmware.Memory

	// Extensions reports the 41h check. Defaults to true.
	Extensions bool

	// ReadFault, when set, is consulted before every extended read and
	// can force a transient failure. Used to exercise the retry path.
	ReadFault func(pkt *firmware.DiskAddressPacket) bool

	resets int
}

// NewDisk builds the boot drive from an LBA image of sectors 512-byte
// blocks, transferring into mem.
func NewDisk(image io.ReaderAt, sectors uint64, drive uint8, mem firmware.Memory) *Disk {
	return &Disk{
		image:      image,
		sectors:    sectors,
		drive:      drive,
		mem:        mem,
		Extensions: true,
	}
}

// Resets reports how many drive resets were issued, for tests.
func (d *Disk) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// ExtensionsPresent implements firmware.DiskService.
func (d *Disk) ExtensionsPresent(drive uint8) bool {
	return drive == d.drive && d.Extensions
}

// Reset implements firmware.DiskService.
func (d *Disk) Reset(drive uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if drive == d.drive {
		d.resets++
	}
}

// ExtendedRead implements firmware.DiskService. It honours the hardware
// ceiling of 128 sectors per packet and refuses empty packets, the same
// contracts the real service holds callers to.
func (d *Disk) ExtendedRead(drive uint8, pkt *firmware.DiskAddressPacket) firmware.DiskStatus {
	if drive != d.drive || !d.Extensions {
		return firmware.DiskStatus{Carry: true, Code: diskStatusBadCommand}
	}
	if pkt.SectorCount == 0 || pkt.SectorCount > firmware.MaxSectorsPerRead {
		return firmware.DiskStatus{Carry: true, Code: diskStatusBadCommand}
	}
	lba := pkt.LBA()
	if lba >= d.sectors || uint64(pkt.SectorCount) > d.sectors-lba {
		return firmware.DiskStatus{Carry: true, Code: diskStatusBadSector}
	}

	if d.ReadFault != nil && d.ReadFault(pkt) {
		return firmware.DiskStatus{Carry: true, Code: diskStatusUncorrectable}
	}

	buf := make([]byte, int(pkt.SectorCount)*firmware.SectorSize)
	if _, err := d.image.ReadAt(buf, int64(lba)*firmware.SectorSize); err != nil {
		return firmware.DiskStatus{Carry: true, Code: diskStatusUncorrectable}
	}
	if _, err := d.mem.WriteAt(buf, pkt.Buffer()); err != nil {
		return firmware.DiskStatus{Carry: true, Code: diskStatusBadSector}
	}
	return firmware.DiskStatus{Code: diskStatusOK}
}

var _ firmware.DiskService = (*Disk)(nil)
