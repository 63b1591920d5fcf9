package firmware

import "encoding/binary"

// DiskAddressPacketSize is the wire size of the packet; the size byte at
// offset 0 always carries this value.
const DiskAddressPacketSize = 16

// MaxSectorsPerRead is the hardware ceiling on one extended read. One
// 128-sector transfer fills exactly one real-mode segment (64KiB), and
// larger single requests are not honoured reliably.
const MaxSectorsPerRead = 128

// SectorSize is the fixed block size of the storage interface.
const SectorSize = 512

// DiskAddressPacket describes one extended disk read. The size and reserved
// fields are fixed for the packet's lifetime; SectorCount is rewritten
// between chunked calls. A packet must never be issued with a zero sector
// count.
type DiskAddressPacket struct {
	SectorCount uint16
	Offset      uint16
	Segment     uint16
	LBALow      uint32
	LBAHigh     uint32
}

// NewDiskAddressPacket builds a packet reading count sectors starting at
// lba into segment:offset.
func NewDiskAddressPacket(count, segment, offset uint16, lba uint64) DiskAddressPacket {
	return DiskAddressPacket{
		SectorCount: count,
		Offset:      offset,
		Segment:     segment,
		LBALow:      uint32(lba),
		LBAHigh:     uint32(lba >> 32),
	}
}

// LBA returns the 64-bit starting block address.
func (p *DiskAddressPacket) LBA() uint64 {
	return uint64(p.LBAHigh)<<32 | uint64(p.LBALow)
}

// Buffer returns the linear destination address of the transfer.
func (p *DiskAddressPacket) Buffer() int64 {
	return Linear(p.Segment, p.Offset)
}

// EncodeTo packs the packet into its 16-byte wire layout: size byte,
// reserved zero byte, sector count word, offset:segment far pointer, and
// the starting LBA as low/high double-words.
func (p *DiskAddressPacket) EncodeTo(b []byte) {
	_ = b[DiskAddressPacketSize-1]
	b[0] = DiskAddressPacketSize
	b[1] = 0
	binary.LittleEndian.PutUint16(b[2:], p.SectorCount)
	binary.LittleEndian.PutUint16(b[4:], p.Offset)
	binary.LittleEndian.PutUint16(b[6:], p.Segment)
	binary.LittleEndian.PutUint32(b[8:], p.LBALow)
	binary.LittleEndian.PutUint32(b[12:], p.LBAHigh)
}
