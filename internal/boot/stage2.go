package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/biosboot/internal/boot/e820"
	"github.com/tinyrange/biosboot/internal/boot/gdt"
)

// ErrMemoryMap reports a failed E820 query sequence.
var ErrMemoryMap = errors.New("boot: memory map query failed")

// DiagMemoryMap is written before halting on a failed query.
const DiagMemoryMap = "failed to query memory map"

// runStage2 runs in unreal mode: optional asset load, the power-management
// call, the E820 map build (which must precede the video mode switch), the
// switch into the payload's graphics mode, then back into protected mode for
// stage 3.
func (p *Plan) runStage2() error {
	layout := p.opts.Medium.Layout()
	if p.opts.LoadAssets && layout.AssetLBA != 0 {
		if err := p.loader.Load(uint64(layout.AssetLBA), uint32(layout.AssetSectors), AssetLoadAddr); err != nil {
			return err
		}
	}

	// APM is advisory: old firmware without it still boots.
	if _, _, err := p.bios.APMConnect(); err == nil {
		_ = p.bios.APMEnablePowerManagement()
	}

	accepted, err := e820.BuildMap(p.vm, p.bios, MapBufferAddr, MapCountAddr)
	if err != nil {
		p.console.WriteString(DiagMemoryMap)
		p.cpu.Halt()
		return fmt.Errorf("%w: %v", ErrMemoryMap, err)
	}
	p.mapLen = accepted

	if err := p.bios.SetVideoMode(p.opts.VideoMode); err != nil {
		return fmt.Errorf("boot: set video mode %#x: %w", p.opts.VideoMode, err)
	}

	// Last firmware call is behind us; re-enter protected mode for good.
	p.cpu.SetInterruptsEnabled(false)
	if err := p.cpu.EnterProtectedMode(p.protGDT, gdt.SelectorCode, gdt.SelectorData); err != nil {
		return fmt.Errorf("boot: re-enter protected mode: %w", err)
	}
	return nil
}
