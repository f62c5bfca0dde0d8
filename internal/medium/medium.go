// Package medium reads and writes the boot medium image: sector 0 carries
// the stage-1 region, a small layout header and the 0x55AA signature;
// the remainder of the boot image follows from LBA 1, with optional asset
// data at its own LBA. The header plays the role a linker script plays in a
// native build: it tells stage 1 how many sectors to pull and where the
// payload entry point is.
package medium

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	SectorSize = 512

	// PayloadLBA is where the remainder of the boot image starts.
	PayloadLBA = 1

	// BootSignature terminates sector 0 at offset 510.
	BootSignature = 0xAA55

	headerOffset    = 488
	signatureOffset = 510

	// headerMagic identifies a layout header ("BSBT", little endian).
	headerMagic = 0x54425342
)

var (
	ErrBadSignature = errors.New("medium: missing boot signature")
	ErrBadHeader    = errors.New("medium: bad layout header")
)

// Layout is the sector-0 header describing where everything lives on the
// medium.
type Layout struct {
	// ImageSectors is how many sectors, starting at PayloadLBA, stage 1
	// loads to the image load address.
	ImageSectors uint32
	// EntryAddr is the payload's 64-bit entry point (below 4 GiB by
	// construction; the payload is loaded at 1 MiB).
	EntryAddr uint32
	// AssetLBA is where auxiliary asset data starts; zero means none.
	AssetLBA uint32
	// AssetSectors is the asset blob length in sectors.
	AssetSectors uint16
}

func (l Layout) encode(sector []byte) {
	binary.LittleEndian.PutUint32(sector[headerOffset:], headerMagic)
	binary.LittleEndian.PutUint32(sector[headerOffset+4:], l.ImageSectors)
	binary.LittleEndian.PutUint32(sector[headerOffset+8:], l.EntryAddr)
	binary.LittleEndian.PutUint32(sector[headerOffset+12:], l.AssetLBA)
	binary.LittleEndian.PutUint16(sector[headerOffset+16:], l.AssetSectors)
	binary.LittleEndian.PutUint16(sector[signatureOffset:], BootSignature)
}

func decodeLayout(sector []byte) (Layout, error) {
	if binary.LittleEndian.Uint16(sector[signatureOffset:]) != BootSignature {
		return Layout{}, ErrBadSignature
	}
	if binary.LittleEndian.Uint32(sector[headerOffset:]) != headerMagic {
		return Layout{}, fmt.Errorf("%w: magic %#x", ErrBadHeader, binary.LittleEndian.Uint32(sector[headerOffset:]))
	}
	return Layout{
		ImageSectors: binary.LittleEndian.Uint32(sector[headerOffset+4:]),
		EntryAddr:    binary.LittleEndian.Uint32(sector[headerOffset+8:]),
		AssetLBA:     binary.LittleEndian.Uint32(sector[headerOffset+12:]),
		AssetSectors: binary.LittleEndian.Uint16(sector[headerOffset+16:]),
	}, nil
}

// BuildOptions describes an image to assemble.
type BuildOptions struct {
	// Payload is the 64-bit application binary, placed from PayloadLBA.
	Payload []byte
	// EntryAddr is the payload entry point. Zero means the image load
	// address itself.
	EntryAddr uint32
	// Asset is an optional auxiliary blob (e.g. audio data) appended after
	// the payload.
	Asset []byte
	// BootCode optionally fills the code region of sector 0 (up to the
	// layout header).
	BootCode []byte
	// Progress, when set, is called once per written sector.
	Progress func(sector, total int)
}

func sectorCount(n int) int {
	return (n + SectorSize - 1) / SectorSize
}

// Build writes a complete medium image to w and returns its total sector
// count.
func Build(w io.Writer, opts BuildOptions) (int, error) {
	if len(opts.Payload) == 0 {
		return 0, errors.New("medium: empty payload")
	}
	if len(opts.BootCode) > headerOffset {
		return 0, fmt.Errorf("medium: boot code %d bytes, limit %d", len(opts.BootCode), headerOffset)
	}

	payloadSectors := sectorCount(len(opts.Payload))
	layout := Layout{
		ImageSectors: uint32(payloadSectors),
		EntryAddr:    opts.EntryAddr,
	}
	total := 1 + payloadSectors
	if len(opts.Asset) > 0 {
		layout.AssetLBA = uint32(PayloadLBA + payloadSectors)
		layout.AssetSectors = uint16(sectorCount(len(opts.Asset)))
		total += int(layout.AssetSectors)
	}

	written := 0
	writeSector := func(data []byte) error {
		var sector [SectorSize]byte
		copy(sector[:], data)
		if _, err := w.Write(sector[:]); err != nil {
			return fmt.Errorf("medium: write sector %d: %w", written, err)
		}
		written++
		if opts.Progress != nil {
			opts.Progress(written, total)
		}
		return nil
	}

	var bootSector [SectorSize]byte
	copy(bootSector[:], opts.BootCode)
	layout.encode(bootSector[:])
	if err := writeSector(bootSector[:]); err != nil {
		return written, err
	}

	for off := 0; off < len(opts.Payload); off += SectorSize {
		end := min(off+SectorSize, len(opts.Payload))
		if err := writeSector(opts.Payload[off:end]); err != nil {
			return written, err
		}
	}
	for off := 0; off < len(opts.Asset); off += SectorSize {
		end := min(off+SectorSize, len(opts.Asset))
		if err := writeSector(opts.Asset[off:end]); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Image is an opened boot medium.
type Image struct {
	r       io.ReaderAt
	sectors uint64
	layout  Layout
}

// Open validates the boot signature and layout header of a medium.
func Open(r io.ReaderAt, size int64) (*Image, error) {
	if size < SectorSize {
		return nil, fmt.Errorf("medium: image too small (%d bytes)", size)
	}
	var sector [SectorSize]byte
	if _, err := r.ReadAt(sector[:], 0); err != nil {
		return nil, fmt.Errorf("medium: read boot sector: %w", err)
	}
	layout, err := decodeLayout(sector[:])
	if err != nil {
		return nil, err
	}
	return &Image{
		r:       r,
		sectors: uint64(size+SectorSize-1) / SectorSize,
		layout:  layout,
	}, nil
}

func (i *Image) Layout() Layout  { return i.layout }
func (i *Image) Sectors() uint64 { return i.sectors }

// ReadAt implements io.ReaderAt over the raw image. Reads past the end of
// the file but within the sector count return zero bytes, matching how a
// real medium rounds up to whole sectors.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	n, err := i.r.ReadAt(p, off)
	if errors.Is(err, io.EOF) && uint64(off)+uint64(len(p)) <= i.sectors*SectorSize {
		for j := n; j < len(p); j++ {
			p[j] = 0
		}
		return len(p), nil
	}
	return n, err
}
