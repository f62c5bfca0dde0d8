package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/biosboot/internal/hv"
)

// The simulated CPUID vendor string, split across EBX/EDX/ECX the way real
// parts report it.
const cpuidVendor = "SimulatedCPU"

var errModeTransition = errors.New("sim: illegal mode transition")

// CPU models the boot-visible state of a single x86_64 hardware thread: the
// register file, control registers, descriptor table pointers and the
// execution mode. The mode only ever moves forward; the legal transitions
// are enforced here rather than left implicit in the instruction pointer.
type CPU struct {
	vm *Machine
	id int

	regs   [18]uint64 // Rax..Rflags, indexed by register constant order
	cr0    uint64
	cr3    uint64
	cr4    uint64
	efer   uint64
	gdtr   hv.TablePointer
	idtr   hv.TablePointer
	idtSet bool

	mode         hv.Mode
	wideSegments bool
	intsEnabled  bool
	halted       bool

	features hv.CPUFeatures
}

func newCPU(vm *Machine, id int) *CPU {
	cpu := &CPU{
		vm:          vm,
		id:          id,
		mode:        hv.ModeReal,
		intsEnabled: true,
		// Out of reset everything is present unless the test says otherwise.
		features: hv.CPUFeatures{CPUID: true, ExtendedLeaves: true, LongMode: true},
	}
	cpu.regs[regIndex(hv.RegisterAMD64Rflags)] = hv.RflagsReserved | hv.RflagsIF
	return cpu
}

func regIndex(reg hv.Register) int {
	return int(reg - hv.RegisterAMD64Rax)
}

func (c *CPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *CPU) ID() int                           { return c.id }

// SetFeatures overrides the simulated feature surface. Tests use it to take
// the two hardware-absence fatal paths.
func (c *CPU) SetFeatures(features hv.CPUFeatures) {
	c.features = features
}

func (c *CPU) Features() hv.CPUFeatures { return c.features }

func (c *CPU) Mode() hv.Mode { return c.mode }

func (c *CPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		v, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("sim: unsupported register value %T", value)
		}
		switch {
		case reg >= hv.RegisterAMD64Rax && reg <= hv.RegisterAMD64Rflags:
			u := uint64(v)
			if reg == hv.RegisterAMD64Rflags {
				// RFLAGS.ID is only writable when the CPUID instruction
				// exists; a stuck bit is exactly what stage 3 probes for.
				if !c.features.CPUID {
					old := c.regs[regIndex(reg)] & hv.RflagsID
					u = (u &^ hv.RflagsID) | old
				}
				u |= hv.RflagsReserved
			}
			c.regs[regIndex(reg)] = u
		case reg == hv.RegisterAMD64Cr0:
			c.cr0 = uint64(v)
		case reg == hv.RegisterAMD64Cr3:
			c.cr3 = uint64(v)
		case reg == hv.RegisterAMD64Cr4:
			c.cr4 = uint64(v)
		case reg == hv.RegisterAMD64Efer:
			c.efer = uint64(v)
		default:
			return fmt.Errorf("sim: unsupported register %v for architecture x86_64", reg)
		}
	}
	return nil
}

func (c *CPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		switch {
		case reg >= hv.RegisterAMD64Rax && reg <= hv.RegisterAMD64Rflags:
			regs[reg] = hv.Register64(c.regs[regIndex(reg)])
		case reg == hv.RegisterAMD64Cr0:
			regs[reg] = hv.Register64(c.cr0)
		case reg == hv.RegisterAMD64Cr3:
			regs[reg] = hv.Register64(c.cr3)
		case reg == hv.RegisterAMD64Cr4:
			regs[reg] = hv.Register64(c.cr4)
		case reg == hv.RegisterAMD64Efer:
			regs[reg] = hv.Register64(c.efer)
		default:
			return fmt.Errorf("sim: unsupported register %v for architecture x86_64", reg)
		}
	}
	return nil
}

// CPUID evaluates a simulated CPUID leaf.
func (c *CPU) CPUID(leaf uint32) (eax, ebx, ecx, edx uint32, ok bool) {
	if !c.features.CPUID {
		return 0, 0, 0, 0, false
	}
	switch leaf {
	case 0:
		vendor := []byte(cpuidVendor)
		ebx = uint32(vendor[0]) | uint32(vendor[1])<<8 | uint32(vendor[2])<<16 | uint32(vendor[3])<<24
		edx = uint32(vendor[4]) | uint32(vendor[5])<<8 | uint32(vendor[6])<<16 | uint32(vendor[7])<<24
		ecx = uint32(vendor[8]) | uint32(vendor[9])<<8 | uint32(vendor[10])<<16 | uint32(vendor[11])<<24
		return 1, ebx, ecx, edx, true
	case 0x80000000:
		if c.features.ExtendedLeaves {
			return 0x80000001, 0, 0, 0, true
		}
		return 0x80000000, 0, 0, 0, true
	case 0x80000001:
		if !c.features.ExtendedLeaves {
			return 0, 0, 0, 0, false
		}
		if c.features.LongMode {
			edx = 1 << 29
		}
		return 0, 0, 0, edx, true
	default:
		return 0, 0, 0, 0, false
	}
}

func (c *CPU) SetInterruptsEnabled(enabled bool) {
	c.intsEnabled = enabled
	idx := regIndex(hv.RegisterAMD64Rflags)
	if enabled {
		c.regs[idx] |= hv.RflagsIF
	} else {
		c.regs[idx] &^= hv.RflagsIF
	}
}

func (c *CPU) InterruptsEnabled() bool { return c.intsEnabled }

func (c *CPU) EnterProtectedMode(gdtr hv.TablePointer, codeSelector, dataSelector uint16) error {
	if c.halted {
		return hv.ErrVMHalted
	}
	if c.mode != hv.ModeReal && c.mode != hv.ModeUnreal {
		return fmt.Errorf("%w: %s -> protected", errModeTransition, c.mode)
	}
	if c.intsEnabled {
		return errors.New("sim: protected mode entered with interrupts enabled")
	}
	if gdtr.Base == 0 || gdtr.Limit == 0 {
		return errors.New("sim: protected mode entered with empty GDT")
	}
	if codeSelector == 0 || dataSelector == 0 {
		return errors.New("sim: null selector used for protected mode entry")
	}
	c.gdtr = gdtr
	c.cr0 |= hv.Cr0PE
	c.mode = hv.ModeProtected
	c.wideSegments = true
	return nil
}

func (c *CPU) EnterUnrealMode() error {
	if c.halted {
		return hv.ErrVMHalted
	}
	if c.mode != hv.ModeProtected {
		return fmt.Errorf("%w: %s -> unreal", errModeTransition, c.mode)
	}
	if !c.wideSegments {
		return errors.New("sim: unreal mode requires cached 32-bit segment descriptors")
	}
	c.cr0 &^= hv.Cr0PE
	c.mode = hv.ModeUnreal
	return nil
}

func (c *CPU) EnterLongMode(state hv.LongModeState) error {
	if c.halted {
		return hv.ErrVMHalted
	}
	if c.mode != hv.ModeProtected {
		return fmt.Errorf("%w: %s -> long", errModeTransition, c.mode)
	}
	if c.intsEnabled {
		return errors.New("sim: long mode entered with interrupts enabled")
	}
	if !c.idtSet {
		return errors.New("sim: long mode entered without an IDT image loaded")
	}
	if state.Cr3&0xFFF != 0 {
		return fmt.Errorf("sim: CR3 %#x is not 4KiB aligned", state.Cr3)
	}
	c.applyLongModeState(state)
	return nil
}

// SetLongModeState implements hv.VirtualCPUAmd64: it accepts a prepared
// 64-bit hand-off without walking the intermediate modes, matching what a
// hardware-backed vCPU does.
func (c *CPU) SetLongModeState(state hv.LongModeState) error {
	if c.halted {
		return hv.ErrVMHalted
	}
	c.applyLongModeState(state)
	return nil
}

func (c *CPU) applyLongModeState(state hv.LongModeState) {
	c.cr3 = state.Cr3
	c.cr4 |= hv.Cr4PAE
	c.efer |= hv.EferLME | hv.EferLMA
	c.cr0 |= hv.Cr0PE | hv.Cr0PG
	c.gdtr = state.GDT
	c.mode = hv.ModeLong
	c.regs[regIndex(hv.RegisterAMD64Rip)] = state.Entry
	c.regs[regIndex(hv.RegisterAMD64Rsp)] = state.StackTop
	c.regs[regIndex(hv.RegisterAMD64Rflags)] = state.Rflags | hv.RflagsReserved
}

func (c *CPU) LoadIDT(idtr hv.TablePointer) error {
	if c.halted {
		return hv.ErrVMHalted
	}
	c.idtr = idtr
	c.idtSet = true
	return nil
}

// IDT returns the last loaded IDT image.
func (c *CPU) IDT() (hv.TablePointer, bool) { return c.idtr, c.idtSet }

// GDT returns the last loaded GDT image.
func (c *CPU) GDT() hv.TablePointer { return c.gdtr }

func (c *CPU) Halt()        { c.halted = true }
func (c *CPU) Halted() bool { return c.halted }

// Run implements hv.VirtualCPU. The simulator does not execute guest
// instructions, so a CPU that reaches long mode (or halts) has nothing left
// to do.
func (c *CPU) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return hv.ErrVMHalted
}

var (
	_ hv.BootCPU = &CPU{}
)
