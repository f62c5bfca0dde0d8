package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// Mode is the execution mode of an x86 CPU. The boot sequence only ever moves
// forward through these values; there is no path back once long mode is
// entered.
type Mode int

const (
	ModeReal Mode = iota
	ModeUnreal
	ModeProtected
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeUnreal:
		return "unreal"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeSource is anything that can report the current CPU mode. Firmware
// services and the console use it to pick real-mode or flat-address behavior.
type ModeSource interface {
	Mode() Mode
}

// CPUFeatures describes the feature surface the boot sequence probes for.
// On the simulated machine these are configuration; on real hardware they
// come from the CPUID instruction itself.
type CPUFeatures struct {
	// CPUID reports whether the CPUID instruction exists (RFLAGS.ID is
	// writable).
	CPUID bool
	// ExtendedLeaves reports whether leaf 0x80000001 is implemented.
	ExtendedLeaves bool
	// LongMode reports leaf 0x80000001 EDX bit 29.
	LongMode bool
}

// TablePointer is the 10-byte register image consumed by LGDT and LIDT:
// a 16-bit limit and a linear base address.
type TablePointer struct {
	Limit uint16
	Base  uint64
}

// LongModeState is everything a backend needs to start executing a 64-bit
// payload: the paging root, the descriptor table and its selectors, and the
// initial register file. It is produced exactly once, by stage 3.
type LongModeState struct {
	Cr3          uint64
	GDT          TablePointer
	CodeSelector uint16
	DataSelector uint16
	Entry        uint64
	StackTop     uint64
	Rflags       uint64
}

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer
)

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

// VirtualCPUAmd64 is implemented by backends that can accept a prepared
// 64-bit hand-off directly, without executing the mode transitions
// themselves.
type VirtualCPUAmd64 interface {
	VirtualCPU

	SetLongModeState(state LongModeState) error
}

// BootCPU is the full mode machine the boot stages drive. Only the simulated
// backend implements it: the transitions happen host-side, as explicit state,
// rather than by executing 16- and 32-bit code.
type BootCPU interface {
	VirtualCPUAmd64
	ModeSource

	Features() CPUFeatures
	// CPUID evaluates a CPUID leaf. ok is false when the leaf (or the
	// instruction itself) is not implemented.
	CPUID(leaf uint32) (eax, ebx, ecx, edx uint32, ok bool)

	SetInterruptsEnabled(enabled bool)
	InterruptsEnabled() bool

	// EnterProtectedMode loads the descriptor table and sets CR0.PE. Legal
	// from real or unreal mode only.
	EnterProtectedMode(gdtr TablePointer, codeSelector, dataSelector uint16) error
	// EnterUnrealMode clears CR0.PE while the segment caches still hold
	// 32-bit-sized descriptors. Legal from protected mode only.
	EnterUnrealMode() error
	// EnterLongMode performs the PAE/LME/PG sequence and the far jump into
	// the 64-bit entry point. Legal from protected mode only; irrevocable.
	EnterLongMode(state LongModeState) error

	LoadIDT(idtr TablePointer) error

	Halt()
	Halted() bool
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type Device interface {
	Init(vm VirtualMachine) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

// PortBus dispatches host-initiated port I/O to the attached devices. The
// simulated machine implements it so host-side stage code can poke devices
// the way guest code would with IN/OUT.
type PortBus interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
