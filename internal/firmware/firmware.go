// Package firmware simulates the handful of BIOS services the boot sequence
// consumes: extended disk reads, the E820 memory map query, teletype output,
// video mode selection and the APM power-management interface. Every service
// reports failure as a result value, standing in for the carry flag; nothing
// at this level panics or unwinds.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/biosboot/internal/hv"
)

const (
	SectorSize = 512

	// E820Signature is the "SMAP" magic the firmware must echo back on every
	// memory map call.
	E820Signature = 0x534D4150

	// E820EntrySize is the full 24-byte entry with ACPI extended attributes;
	// older firmware stops after the 20-byte base entry.
	E820EntrySize      = 24
	E820EntrySizeShort = 20

	// BootDrive is the BIOS drive number of the boot medium.
	BootDrive = 0x80
)

// E820 range types.
const (
	RangeUsable          = 1
	RangeReserved        = 2
	RangeACPIReclaimable = 3
	RangeACPINVS         = 4
	RangeBad             = 5
)

var (
	// ErrCarrySet is the generic "carry flag set" failure for a service call.
	ErrCarrySet = errors.New("firmware: service call failed")
	// ErrNotRealMode reports a firmware call issued after interrupt servicing
	// is gone.
	ErrNotRealMode = errors.New("firmware: services unavailable outside real mode")
)

// MemoryRange is one region of the firmware's view of physical memory.
type MemoryRange struct {
	Base     uint64
	Length   uint64
	Type     uint32
	ExtAttrs uint32
}

// Config parameterises the simulated firmware. The fault-injection fields let
// tests take every failure path the boot sequence handles.
type Config struct {
	// Medium is the boot medium, addressed by 512-byte logical block.
	Medium io.ReaderAt
	// MediumSectors bounds reads; a read past the end sets the carry flag.
	MediumSectors uint64

	// Ranges overrides the reported memory map. When nil a conventional map
	// derived from the machine's memory size is used.
	Ranges []MemoryRange

	// ReportExtAttrs makes E820 return full 24-byte entries.
	ReportExtAttrs bool

	// NoDiskExtensions makes the INT 13h extensions probe fail.
	NoDiskExtensions bool
	// CorruptE820Signature makes every E820 call echo a wrong magic.
	CorruptE820Signature bool
	// FailRead, when set, fails the extended read for any LBA it returns
	// true for.
	FailRead func(lba uint64) bool
}

// BIOS is the simulated firmware attached to one machine.
type BIOS struct {
	vm  hv.VirtualMachine
	cpu hv.ModeSource
	cfg Config

	videoMode  uint8
	e820Locked bool

	teletype []byte
}

// New attaches simulated firmware to a machine. cpu gates services on the
// execution mode: once the CPU leaves real/unreal mode the BIOS is gone.
func New(vm hv.VirtualMachine, cpu hv.ModeSource, cfg Config) *BIOS {
	if cfg.Ranges == nil {
		cfg.Ranges = ConventionalRanges(vm.MemoryBase(), vm.MemorySize())
	}
	return &BIOS{vm: vm, cpu: cpu, cfg: cfg, videoMode: 0x03}
}

// ConventionalRanges is the memory map a typical BIOS reports for a machine
// with memSize bytes of RAM: low conventional memory, the EBDA/video/ROM
// hole, then everything above 1 MiB.
func ConventionalRanges(memBase, memSize uint64) []MemoryRange {
	const (
		ebdaStart = 0x0009FC00
		romStart  = 0x000F0000
		highStart = 0x00100000
	)
	end := memBase + memSize
	ranges := []MemoryRange{
		{Base: memBase, Length: ebdaStart - memBase, Type: RangeUsable},
		{Base: ebdaStart, Length: highStart - ebdaStart, Type: RangeReserved},
	}
	if end > highStart {
		ranges = append(ranges, MemoryRange{Base: highStart, Length: end - highStart, Type: RangeUsable})
	}
	return ranges
}

func (b *BIOS) serviceable() error {
	if mode := b.cpu.Mode(); mode != hv.ModeReal && mode != hv.ModeUnreal {
		return fmt.Errorf("%w (mode %s)", ErrNotRealMode, mode)
	}
	return nil
}

// DiskExtensionsCheck is INT 13h AH=41h BX=55AAh: the signature-validated
// probe for the extended disk services. A nil error means the 0xAA55
// signature came back and the drive supports the extended read.
func (b *BIOS) DiskExtensionsCheck(drive uint8) error {
	if err := b.serviceable(); err != nil {
		return err
	}
	if drive != BootDrive || b.cfg.NoDiskExtensions || b.cfg.Medium == nil {
		return fmt.Errorf("%w: no INT 13h extensions on drive %#x", ErrCarrySet, drive)
	}
	return nil
}

// ExtendedRead is INT 13h AH=42h. The disk address packet is fetched from
// guest memory at packetAddr, exactly as the real service takes DS:SI.
func (b *BIOS) ExtendedRead(drive uint8, packetAddr uint64) error {
	if err := b.serviceable(); err != nil {
		return err
	}
	if drive != BootDrive || b.cfg.Medium == nil {
		return fmt.Errorf("%w: bad drive %#x", ErrCarrySet, drive)
	}

	var raw [PacketSize]byte
	if _, err := b.vm.ReadAt(raw[:], int64(packetAddr)); err != nil {
		return fmt.Errorf("firmware: read disk packet at %#x: %w", packetAddr, err)
	}
	packet, err := DecodePacket(raw[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCarrySet, err)
	}

	if b.cfg.FailRead != nil && b.cfg.FailRead(packet.LBA) {
		return fmt.Errorf("%w: read error at LBA %d", ErrCarrySet, packet.LBA)
	}
	if b.cfg.MediumSectors != 0 && packet.LBA+uint64(packet.Sectors) > b.cfg.MediumSectors {
		return fmt.Errorf("%w: LBA %d beyond medium (%d sectors)", ErrCarrySet, packet.LBA, b.cfg.MediumSectors)
	}

	buf := make([]byte, int(packet.Sectors)*SectorSize)
	if _, err := b.cfg.Medium.ReadAt(buf, int64(packet.LBA)*SectorSize); err != nil {
		return fmt.Errorf("%w: medium read at LBA %d: %v", ErrCarrySet, packet.LBA, err)
	}
	if _, err := b.vm.WriteAt(buf, int64(packet.Destination())); err != nil {
		return fmt.Errorf("firmware: write sector data at %#x: %w", packet.Destination(), err)
	}
	return nil
}

// E820Result is what one INT 15h EAX=E820h call returns in registers.
type E820Result struct {
	// Signature is the value returned in EAX; callers must verify it equals
	// E820Signature.
	Signature uint32
	// Continuation is the next EBX value; zero means the map is complete.
	Continuation uint32
	// Size is the entry size the firmware reported in ECX.
	Size uint32
}

// E820Next is INT 15h EAX=E820h: copy the entry selected by the continuation
// value to destAddr and return the next continuation. Some firmware stops
// answering after a video mode switch, which the simulation reproduces; the
// map must be queried before any INT 10h mode set.
func (b *BIOS) E820Next(continuation uint32, destAddr uint64, destSize uint32) (E820Result, error) {
	if err := b.serviceable(); err != nil {
		return E820Result{}, err
	}
	if b.e820Locked {
		return E820Result{}, fmt.Errorf("%w: E820 unavailable after video mode change", ErrCarrySet)
	}

	sig := uint32(E820Signature)
	if b.cfg.CorruptE820Signature {
		sig = 0x21505A4D
	}

	idx := int(continuation)
	if idx >= len(b.cfg.Ranges) || destSize < E820EntrySizeShort {
		return E820Result{Signature: sig}, fmt.Errorf("%w: bad E820 continuation %d", ErrCarrySet, continuation)
	}

	entrySize := uint32(E820EntrySizeShort)
	if b.cfg.ReportExtAttrs {
		entrySize = E820EntrySize
	}
	if entrySize > destSize {
		entrySize = destSize
	}

	r := b.cfg.Ranges[idx]
	var entry [E820EntrySize]byte
	binary.LittleEndian.PutUint64(entry[0:], r.Base)
	binary.LittleEndian.PutUint64(entry[8:], r.Length)
	binary.LittleEndian.PutUint32(entry[16:], r.Type)
	binary.LittleEndian.PutUint32(entry[20:], r.ExtAttrs)

	if _, err := b.vm.WriteAt(entry[:entrySize], int64(destAddr)); err != nil {
		return E820Result{}, fmt.Errorf("firmware: write E820 entry at %#x: %w", destAddr, err)
	}

	next := uint32(idx + 1)
	if idx == len(b.cfg.Ranges)-1 {
		next = 0
	}
	return E820Result{Signature: sig, Continuation: next, Size: entrySize}, nil
}

// Teletype is INT 10h AH=0Eh: write one character in text mode.
func (b *BIOS) Teletype(ch byte) error {
	if err := b.serviceable(); err != nil {
		return err
	}
	b.teletype = append(b.teletype, ch)
	return nil
}

// TeletypeLog returns everything written through the teletype service.
func (b *BIOS) TeletypeLog() []byte { return b.teletype }

// SetVideoMode is INT 10h AH=00h. Switching modes ends E820 availability.
func (b *BIOS) SetVideoMode(mode uint8) error {
	if err := b.serviceable(); err != nil {
		return err
	}
	b.videoMode = mode
	b.e820Locked = true
	return nil
}

// VideoMode returns the current video mode.
func (b *BIOS) VideoMode() uint8 { return b.videoMode }

// APMConnect is INT 15h AX=5301h: connect the real-mode APM interface.
// Returns the interface version.
func (b *BIOS) APMConnect() (major, minor uint8, err error) {
	if err := b.serviceable(); err != nil {
		return 0, 0, err
	}
	return 1, 2, nil
}

// APMEnablePowerManagement is INT 15h AX=5308h for all devices.
func (b *BIOS) APMEnablePowerManagement() error {
	return b.serviceable()
}
