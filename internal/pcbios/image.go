package pcbios

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/stagezero/stagezero/internal/firmware"
)

// Compression formats a disk image may arrive in.
const (
	ImageRaw   = "raw"
	ImageGzip  = "gzip"
	ImageZstd  = "zstd"
	ImageBzip2 = "bzip2"
)

// ImageReader sniffs r's leading magic and returns a reader producing the
// raw image bytes plus the detected format name.
func ImageReader(r io.Reader) (io.Reader, string, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, "", fmt.Errorf("sniff image: %w", err)
	}

	switch {
	case len(magic) >= 2 && magic[0] == 0x1F && magic[1] == 0x8B:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("open gzip image: %w", err)
		}
		return zr, ImageGzip, nil

	case len(magic) >= 4 && bytes.Equal(magic, []byte{0x28, 0xB5, 0x2F, 0xFD}):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("open zstd image: %w", err)
		}
		return zr.IOReadCloser(), ImageZstd, nil

	case len(magic) >= 3 && magic[0] == 'B' && magic[1] == 'Z' && magic[2] == 'h':
		zr, err := bzip2.NewReader(br, nil)
		if err != nil {
			return nil, "", fmt.Errorf("open bzip2 image: %w", err)
		}
		return zr, ImageBzip2, nil

	default:
		return br, ImageRaw, nil
	}
}

// DiskImage is an in-memory boot image padded to a whole number of
// sectors.
type DiskImage struct {
	data []byte
}

// LoadImage drains r into memory. The write path goes through w as well
// when non-nil, which is how the CLI hangs a progress bar off the load.
func LoadImage(r io.Reader, w io.Writer) (*DiskImage, error) {
	var buf bytes.Buffer
	dst := io.Writer(&buf)
	if w != nil {
		dst = io.MultiWriter(&buf, w)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}

	data := buf.Bytes()
	if pad := len(data) % firmware.SectorSize; pad != 0 {
		data = append(data, make([]byte, firmware.SectorSize-pad)...)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("load image: empty image")
	}
	return &DiskImage{data: data}, nil
}

// NewDiskImage wraps raw bytes, padding to a sector boundary.
func NewDiskImage(data []byte) *DiskImage {
	img := &DiskImage{data: append([]byte(nil), data...)}
	if pad := len(img.data) % firmware.SectorSize; pad != 0 {
		img.data = append(img.data, make([]byte, firmware.SectorSize-pad)...)
	}
	return img
}

// Sectors returns the image size in 512-byte blocks.
func (d *DiskImage) Sectors() uint64 {
	return uint64(len(d.data) / firmware.SectorSize)
}

// ReadAt implements io.ReaderAt.
func (d *DiskImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// BootSignatureValid reports whether the first sector carries the 0x55AA
// boot signature.
func (d *DiskImage) BootSignatureValid() bool {
	if len(d.data) < firmware.SectorSize {
		return false
	}
	return d.data[510] == 0x55 && d.data[511] == 0xAA
}
