// Package disk streams sectors from the boot medium into memory using the
// BIOS extended read service: one sector at a time into a fixed real-mode
// scratch buffer, then copied up to the destination. A single failed read
// aborts the whole boot; there are no partial-success semantics.
package disk

import (
	"errors"
	"fmt"

	"github.com/tinyrange/biosboot/internal/console"
	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
)

var (
	// ErrNoExtensions reports a BIOS without the extended disk services.
	ErrNoExtensions = errors.New("disk: INT 13h extensions not supported")
	// ErrReadFailed reports a failed sector read (carry flag set).
	ErrReadFailed = errors.New("disk: read failed")
)

// Diagnostic strings shown before halting.
const (
	DiagNoExtensions = "no disk extensions"
	DiagReadFailed   = "failed to load from disk"
)

// CPU is the slice of the boot CPU the loader needs: the current mode (wide
// destinations need 32-bit addressing) and the ability to halt on a fatal
// error.
type CPU interface {
	hv.ModeSource
	Halt()
}

// realModeLimit is the highest address reachable with 16-bit segment
// arithmetic (the HMA top). Anything above needs unreal or protected mode.
const realModeLimit = 0x10FFEF

// Loader drives the extended read protocol. It owns the disk address packet
// and the scratch buffer for its whole lifetime.
type Loader struct {
	VM      hv.VirtualMachine
	BIOS    *firmware.BIOS
	Console *console.Console
	CPU     CPU

	// PacketAddr is where the disk address packet lives in guest memory.
	PacketAddr uint64
	// ScratchAddr is the fixed 512-byte sector buffer, below 1 MiB so the
	// firmware can reach it in real mode.
	ScratchAddr uint64

	// Progress, when set, is called after each copied sector.
	Progress func(copied, total uint32)

	packet firmware.DiskAddressPacket
}

// CheckExtensions performs the one-time capability probe. Absence is fatal:
// the diagnostic is written and the CPU halted before the error returns.
func (l *Loader) CheckExtensions() error {
	if err := l.BIOS.DiskExtensionsCheck(firmware.BootDrive); err != nil {
		l.Console.WriteString(DiagNoExtensions)
		l.CPU.Halt()
		return fmt.Errorf("%w: %v", ErrNoExtensions, err)
	}
	return nil
}

// Load reads sectors [startLBA, startLBA+sectors) to destAddr. Every
// iteration reads one sector into the scratch buffer and copies it out, so
// the packet's destination never changes; only the LBA advances.
func (l *Loader) Load(startLBA uint64, sectors uint32, destAddr uint64) error {
	if sectors == 0 {
		return nil
	}
	if l.ScratchAddr > realModeLimit-firmware.SectorSize {
		return fmt.Errorf("disk: scratch buffer %#x not addressable by firmware", l.ScratchAddr)
	}
	if end := destAddr + uint64(sectors)*firmware.SectorSize; end > realModeLimit {
		// The copy out of the scratch buffer uses 32-bit offsets; stage 1
		// enters unreal mode precisely to make this legal.
		if mode := l.CPU.Mode(); mode == hv.ModeReal {
			return fmt.Errorf("disk: destination %#x beyond real mode addressing in mode %s", end, mode)
		}
	}

	l.packet = firmware.DiskAddressPacket{
		Sectors: 1,
		Segment: uint16(l.ScratchAddr >> 4),
		Offset:  uint16(l.ScratchAddr & 0xF),
		LBA:     startLBA,
	}

	remaining := sectors
	dest := destAddr
	for remaining > 0 {
		enc := l.packet.Encode()
		if _, err := l.VM.WriteAt(enc[:], int64(l.PacketAddr)); err != nil {
			return fmt.Errorf("disk: write packet at %#x: %w", l.PacketAddr, err)
		}
		if err := l.BIOS.ExtendedRead(firmware.BootDrive, l.PacketAddr); err != nil {
			l.Console.WriteString(DiagReadFailed)
			l.CPU.Halt()
			return fmt.Errorf("%w: LBA %d: %v", ErrReadFailed, l.packet.LBA, err)
		}

		var sector [firmware.SectorSize]byte
		if _, err := l.VM.ReadAt(sector[:], int64(l.ScratchAddr)); err != nil {
			return fmt.Errorf("disk: read scratch buffer: %w", err)
		}
		if _, err := l.VM.WriteAt(sector[:], int64(dest)); err != nil {
			return fmt.Errorf("disk: write destination %#x: %w", dest, err)
		}

		dest += firmware.SectorSize
		l.packet.LBA++
		remaining--
		if l.Progress != nil {
			l.Progress(sectors-remaining, sectors)
		}
	}

	// The packet keeps its one-sector count for the next caller.
	l.packet.Sectors = 1
	return nil
}

// Packet returns the loader's disk address packet as of the last operation.
func (l *Loader) Packet() firmware.DiskAddressPacket { return l.packet }
