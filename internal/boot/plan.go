// Package boot drives the three-stage boot sequence against a machine: stage
// 1 brings the CPU from real mode through unreal mode and loads the boot
// image, stage 2 queries the firmware and prepares the mode switch, stage 3
// detects the required CPU features and enters long mode. Control flows
// strictly forward; no stage is ever re-entered.
package boot

import (
	"fmt"

	"github.com/tinyrange/biosboot/internal/boot/disk"
	"github.com/tinyrange/biosboot/internal/console"
	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
	"github.com/tinyrange/biosboot/internal/medium"
)

// Fixed memory layout. Every buffer below 1 MiB must stay reachable by the
// firmware in real mode; the regions are non-overlapping by construction and
// each has exactly one owning stage.
const (
	// PageTableBase is the reserved page-table region (16 KiB).
	PageTableBase = 0x10000

	// ScratchBufAddr is the disk loader's one-sector bounce buffer.
	ScratchBufAddr = 0x6000
	// PacketAddr holds the disk address packet.
	PacketAddr = 0x6200
	// ProtectedGDTAddr and LongGDTAddr hold the two descriptor tables.
	ProtectedGDTAddr = 0x6400
	LongGDTAddr      = 0x6500

	// MapCountAddr holds the accepted memory map entry count (64-bit; only
	// the low byte is meaningful). MapBufferAddr holds the entries themselves
	// and runs up to the boot sector.
	MapCountAddr  = 0x6F00
	MapBufferAddr = 0x7000

	// BootSectorAddr is where the firmware deposits sector 0.
	BootSectorAddr = 0x7C00

	// StackTopAddr is the payload's initial stack pointer.
	StackTopAddr = 0x80000

	// ImageLoadAddr is where the rest of the boot image lands (1 MiB, the
	// reason stage 1 needs the A20 line and unreal mode).
	ImageLoadAddr = 0x100000

	// AssetLoadAddr is where optional auxiliary asset data lands.
	AssetLoadAddr = 0x300000
)

// DefaultVideoMode is the 320x200 linear graphics mode the payload expects.
const DefaultVideoMode = 0x13

// Options configures one boot.
type Options struct {
	// Medium is the opened boot medium.
	Medium *medium.Image

	// LoadAssets streams the medium's asset region to AssetLoadAddr during
	// stage 2. Skipped when the layout names no asset region.
	LoadAssets bool

	// VideoMode overrides the mode set before the stage 3 hand-off. Zero
	// means DefaultVideoMode.
	VideoMode uint8

	// Progress, when set, is called per sector while loading the image.
	Progress func(copied, total uint32)
}

// Plan is one boot in flight. Prepare walks the whole sequence host-side;
// the resulting Handoff can then configure a hardware-backed vCPU.
type Plan struct {
	opts Options

	vm    hv.VirtualMachine
	cpu   hv.BootCPU
	ports hv.PortBus
	bios  *firmware.BIOS

	console *console.Console
	loader  *disk.Loader

	protGDT hv.TablePointer
	mapLen  int
}

// NewPlan wires a plan to a machine. ports must reach the keyboard
// controller; the A20 gate is opened through it.
func NewPlan(vm hv.VirtualMachine, cpu hv.BootCPU, ports hv.PortBus, bios *firmware.BIOS, opts Options) (*Plan, error) {
	if opts.Medium == nil {
		return nil, fmt.Errorf("boot: no medium")
	}
	if opts.VideoMode == 0 {
		opts.VideoMode = DefaultVideoMode
	}
	p := &Plan{
		opts:    opts,
		vm:      vm,
		cpu:     cpu,
		ports:   ports,
		bios:    bios,
		console: console.New(vm, bios, cpu),
	}
	p.loader = &disk.Loader{
		VM:          vm,
		BIOS:        bios,
		Console:     p.console,
		CPU:         cpu,
		PacketAddr:  PacketAddr,
		ScratchAddr: ScratchBufAddr,
		Progress:    opts.Progress,
	}
	return p, nil
}

// Console returns the plan's diagnostic console.
func (p *Plan) Console() *console.Console { return p.console }

// Loader returns the plan's disk loader.
func (p *Plan) Loader() *disk.Loader { return p.loader }

// Prepare runs stages 1 through 3. On success the CPU is in long mode and
// the returned Handoff describes the payload's environment. On a fatal
// condition the diagnostic has already been written, the CPU halted, and the
// wrapped cause is returned.
func (p *Plan) Prepare() (*Handoff, error) {
	if err := p.loadBootSector(); err != nil {
		return nil, err
	}
	if err := p.runStage1(); err != nil {
		return nil, err
	}
	if err := p.runStage2(); err != nil {
		return nil, err
	}
	return p.runStage3()
}

// loadBootSector models the firmware's initial act: sector 0 of the boot
// drive placed at 0x7C00, signature already validated when the medium was
// opened.
func (p *Plan) loadBootSector() error {
	var sector [medium.SectorSize]byte
	if _, err := p.opts.Medium.ReadAt(sector[:], 0); err != nil {
		return fmt.Errorf("boot: read boot sector: %w", err)
	}
	if _, err := p.vm.WriteAt(sector[:], BootSectorAddr); err != nil {
		return fmt.Errorf("boot: place boot sector at %#x: %w", BootSectorAddr, err)
	}
	return nil
}
