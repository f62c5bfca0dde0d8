package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/biosboot/internal/boot/gdt"
	"github.com/tinyrange/biosboot/internal/boot/paging"
	"github.com/tinyrange/biosboot/internal/hv"
)

var (
	// ErrNoCPUID reports a CPU without the CPUID instruction.
	ErrNoCPUID = errors.New("boot: CPUID instruction not supported")
	// ErrNoLongMode reports a CPU without 64-bit support.
	ErrNoLongMode = errors.New("boot: long mode not supported")
)

// The two distinct stage 3 diagnostics.
const (
	DiagNoCPUID    = "no CPUID support"
	DiagNoLongMode = "no long mode support"
)

const (
	cpuidExtendedBase = 0x80000000
	cpuidExtendedFeat = 0x80000001
	cpuidLongModeBit  = 1 << 29 // leaf 0x80000001 EDX
)

// runStage3 verifies CPUID and long-mode support, installs the null IDT,
// builds the identity map and performs the irrevocable switch into long
// mode. Runs in protected mode with interrupts already disabled.
func (p *Plan) runStage3() (*Handoff, error) {
	ok, err := p.probeCPUIDFlag()
	if err != nil {
		return nil, err
	}
	if !ok {
		p.console.WriteString(DiagNoCPUID)
		p.cpu.Halt()
		return nil, ErrNoCPUID
	}

	if eax, _, _, _, ok := p.cpu.CPUID(cpuidExtendedBase); !ok || eax < cpuidExtendedFeat {
		p.console.WriteString(DiagNoLongMode)
		p.cpu.Halt()
		return nil, fmt.Errorf("%w: no extended CPUID leaves", ErrNoLongMode)
	}
	if _, _, _, edx, ok := p.cpu.CPUID(cpuidExtendedFeat); !ok || edx&cpuidLongModeBit == 0 {
		p.console.WriteString(DiagNoLongMode)
		p.cpu.Halt()
		return nil, ErrNoLongMode
	}

	// Zero-length IDT: any unexpected interrupt from here on triple-faults
	// the machine instead of jumping to garbage.
	if err := p.cpu.LoadIDT(hv.TablePointer{}); err != nil {
		return nil, fmt.Errorf("boot: load null IDT: %w", err)
	}

	cr3, err := paging.BuildIdentityMap(p.vm, PageTableBase)
	if err != nil {
		return nil, err
	}

	longGDT, err := gdt.Long64().WriteTo(p.vm, LongGDTAddr)
	if err != nil {
		return nil, err
	}

	entry := uint64(p.opts.Medium.Layout().EntryAddr)
	if entry == 0 {
		entry = ImageLoadAddr
	}

	state := hv.LongModeState{
		Cr3:          cr3,
		GDT:          longGDT,
		CodeSelector: gdt.SelectorCode,
		DataSelector: gdt.SelectorData,
		Entry:        entry,
		StackTop:     StackTopAddr,
		Rflags:       hv.RflagsReserved,
	}
	if err := p.cpu.EnterLongMode(state); err != nil {
		return nil, fmt.Errorf("boot: enter long mode: %w", err)
	}

	h := &Handoff{
		State:         state,
		MapBufferAddr: MapBufferAddr,
		MapCountAddr:  MapCountAddr,
		MapEntries:    p.mapLen,
	}
	if p.opts.LoadAssets && p.opts.Medium.Layout().AssetLBA != 0 {
		h.AssetAddr = AssetLoadAddr
		h.AssetSectors = p.opts.Medium.Layout().AssetSectors
	}
	return h, nil
}

// probeCPUIDFlag is the classic availability check: flip RFLAGS.ID and see
// whether the change sticks. The flag is restored either way.
func (p *Plan) probeCPUIDFlag() (bool, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(0),
	}
	if err := p.cpu.GetRegisters(regs); err != nil {
		return false, fmt.Errorf("boot: read RFLAGS: %w", err)
	}
	original := uint64(regs[hv.RegisterAMD64Rflags].(hv.Register64))

	toggled := original ^ hv.RflagsID
	if err := p.cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(toggled),
	}); err != nil {
		return false, fmt.Errorf("boot: write RFLAGS: %w", err)
	}
	if err := p.cpu.GetRegisters(regs); err != nil {
		return false, fmt.Errorf("boot: read back RFLAGS: %w", err)
	}
	observed := uint64(regs[hv.RegisterAMD64Rflags].(hv.Register64))

	if err := p.cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(original),
	}); err != nil {
		return false, fmt.Errorf("boot: restore RFLAGS: %w", err)
	}
	return observed&hv.RflagsID != original&hv.RflagsID, nil
}
