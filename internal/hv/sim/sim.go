// Package sim is a software-only machine backend. Guest memory is a host
// byte slice and the CPU is an explicit mode state machine; nothing is ever
// executed. It exists so the whole boot sequence can run and be inspected on
// any host, with the hardware mode transitions modeled as tagged state.
package sim

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/biosboot/internal/hv"
)

type hypervisor struct{}

// New returns the simulated hypervisor. It is always available.
func New() (hv.Hypervisor, error) {
	return &hypervisor{}, nil
}

func (h *hypervisor) Close() error { return nil }

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, errors.New("sim: memory size is zero")
	}

	vm := &Machine{
		hypervisor: h,
		mem:        make([]byte, config.MemorySize()),
		memBase:    config.MemoryBase(),
	}

	numCPUs := config.CPUCount()
	if numCPUs == 0 {
		numCPUs = 1
	}
	for i := 0; i < numCPUs; i++ {
		vm.cpus = append(vm.cpus, newCPU(vm, i))
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			return nil, fmt.Errorf("sim: create VM callback: %w", err)
		}
		for _, cpu := range vm.cpus {
			if err := cb.OnCreateVCPU(cpu); err != nil {
				return nil, fmt.Errorf("sim: create vCPU callback: %w", err)
			}
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("sim: load VM: %w", err)
		}
	}

	return vm, nil
}

// Machine is a simulated machine: a flat memory slab plus port devices.
type Machine struct {
	hypervisor *hypervisor
	mem        []byte
	memBase    uint64
	devices    []hv.Device
	cpus       []*CPU
}

// NewMachine builds a standalone machine without going through the
// hv.Hypervisor interface. Tests use it directly.
func NewMachine(memSize uint64) *Machine {
	vm := &Machine{mem: make([]byte, memSize)}
	vm.cpus = append(vm.cpus, newCPU(vm, 0))
	return vm
}

func (m *Machine) Hypervisor() hv.Hypervisor { return m.hypervisor }

func (m *Machine) MemorySize() uint64 { return uint64(len(m.mem)) }
func (m *Machine) MemoryBase() uint64 { return m.memBase }

// CPU returns the boot CPU.
func (m *Machine) CPU() *CPU { return m.cpus[0] }

// ReadAt implements hv.VirtualMachine. Offsets are guest-physical addresses.
func (m *Machine) ReadAt(p []byte, off int64) (n int, err error) {
	off = off - int64(m.memBase)
	if off < 0 || int(off) >= len(m.mem) {
		return 0, os.ErrInvalid
	}
	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = os.ErrInvalid
	}
	return n, err
}

// WriteAt implements hv.VirtualMachine. Offsets are guest-physical addresses.
func (m *Machine) WriteAt(p []byte, off int64) (n int, err error) {
	off = off - int64(m.memBase)
	if off < 0 || int(off) >= len(m.mem) {
		return 0, os.ErrInvalid
	}
	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = os.ErrInvalid
	}
	return n, err
}

func (m *Machine) Close() error { return nil }

func (m *Machine) AddDevice(dev hv.Device) error {
	if err := dev.Init(m); err != nil {
		return fmt.Errorf("sim: init device: %w", err)
	}
	m.devices = append(m.devices, dev)
	return nil
}

// ReadIOPort implements hv.PortBus.
func (m *Machine) ReadIOPort(port uint16, data []byte) error {
	for _, dev := range m.devices {
		portDev, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}
		for _, p := range portDev.IOPorts() {
			if p == port {
				return portDev.ReadIOPort(port, data)
			}
		}
	}
	return fmt.Errorf("sim: no device handles I/O port 0x%04x", port)
}

// WriteIOPort implements hv.PortBus.
func (m *Machine) WriteIOPort(port uint16, data []byte) error {
	for _, dev := range m.devices {
		portDev, ok := dev.(hv.X86IOPortDevice)
		if !ok {
			continue
		}
		for _, p := range portDev.IOPorts() {
			if p == port {
				return portDev.WriteIOPort(port, data)
			}
		}
	}
	return fmt.Errorf("sim: no device handles I/O port 0x%04x", port)
}

func (m *Machine) Run(ctx context.Context, cfg hv.RunConfig) error {
	return cfg.Run(ctx, m.cpus[0])
}

func (m *Machine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(m.cpus) {
		return fmt.Errorf("sim: no vCPU %d", id)
	}
	return f(m.cpus[id])
}

var (
	_ hv.VirtualMachine = &Machine{}
	_ hv.PortBus        = &Machine{}
	_ hv.Hypervisor     = &hypervisor{}
)
