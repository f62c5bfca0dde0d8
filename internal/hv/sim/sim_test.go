package sim

import (
	"errors"
	"testing"

	"github.com/tinyrange/biosboot/internal/hv"
)

var testGDT = hv.TablePointer{Base: 0x6400, Limit: 23}

func protectedCPU(t *testing.T) *CPU {
	t.Helper()
	cpu := NewMachine(1 << 20).CPU()
	cpu.SetInterruptsEnabled(false)
	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); err != nil {
		t.Fatal(err)
	}
	return cpu
}

func TestResetState(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()
	if cpu.Mode() != hv.ModeReal {
		t.Errorf("mode = %s, want real", cpu.Mode())
	}
	if !cpu.InterruptsEnabled() {
		t.Error("interrupts disabled at reset")
	}
	if cpu.Halted() {
		t.Error("halted at reset")
	}
}

func TestEnterProtectedModePreconditions(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()

	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); err == nil {
		t.Error("entered protected mode with interrupts enabled")
	}
	cpu.SetInterruptsEnabled(false)
	if err := cpu.EnterProtectedMode(hv.TablePointer{}, 0x08, 0x10); err == nil {
		t.Error("entered protected mode with an empty GDT")
	}
	if err := cpu.EnterProtectedMode(testGDT, 0, 0x10); err == nil {
		t.Error("entered protected mode with a null code selector")
	}
	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); err != nil {
		t.Fatalf("legal entry failed: %v", err)
	}
	if cpu.Mode() != hv.ModeProtected {
		t.Errorf("mode = %s, want protected", cpu.Mode())
	}
	if cpu.GDT() != testGDT {
		t.Errorf("GDT = %+v, want %+v", cpu.GDT(), testGDT)
	}
}

func TestUnrealModeRoundTrip(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()

	// Unreal mode only exists as a detour through protected mode.
	if err := cpu.EnterUnrealMode(); err == nil {
		t.Fatal("entered unreal mode from real mode")
	}

	cpu.SetInterruptsEnabled(false)
	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); err != nil {
		t.Fatal(err)
	}
	if err := cpu.EnterUnrealMode(); err != nil {
		t.Fatalf("EnterUnrealMode: %v", err)
	}
	if cpu.Mode() != hv.ModeUnreal {
		t.Errorf("mode = %s, want unreal", cpu.Mode())
	}

	// Unreal mode can re-enter protected mode; stage 2 relies on this.
	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); err != nil {
		t.Fatalf("re-enter protected: %v", err)
	}
}

func TestEnterLongModePreconditions(t *testing.T) {
	state := hv.LongModeState{
		Cr3:          0x10000,
		GDT:          hv.TablePointer{Base: 0x6500, Limit: 23},
		CodeSelector: 0x08,
		DataSelector: 0x10,
		Entry:        0x100000,
		StackTop:     0x80000,
		Rflags:       hv.RflagsReserved,
	}

	cpu := NewMachine(1 << 20).CPU()
	if err := cpu.EnterLongMode(state); err == nil {
		t.Fatal("entered long mode from real mode")
	}

	cpu = protectedCPU(t)
	if err := cpu.EnterLongMode(state); err == nil {
		t.Fatal("entered long mode without an IDT image")
	}
	if err := cpu.LoadIDT(hv.TablePointer{}); err != nil {
		t.Fatal(err)
	}

	bad := state
	bad.Cr3 = 0x10800
	if err := cpu.EnterLongMode(bad); err == nil {
		t.Fatal("entered long mode with a misaligned CR3")
	}

	if err := cpu.EnterLongMode(state); err != nil {
		t.Fatalf("EnterLongMode: %v", err)
	}
	if cpu.Mode() != hv.ModeLong {
		t.Errorf("mode = %s, want long", cpu.Mode())
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:  nil,
		hv.RegisterAMD64Rsp:  nil,
		hv.RegisterAMD64Cr0:  nil,
		hv.RegisterAMD64Cr3:  nil,
		hv.RegisterAMD64Cr4:  nil,
		hv.RegisterAMD64Efer: nil,
	}
	if err := cpu.GetRegisters(regs); err != nil {
		t.Fatal(err)
	}
	if got := regs[hv.RegisterAMD64Rip].(hv.Register64); uint64(got) != state.Entry {
		t.Errorf("RIP = %#x, want %#x", uint64(got), state.Entry)
	}
	if got := regs[hv.RegisterAMD64Rsp].(hv.Register64); uint64(got) != state.StackTop {
		t.Errorf("RSP = %#x, want %#x", uint64(got), state.StackTop)
	}
	if got := uint64(regs[hv.RegisterAMD64Cr0].(hv.Register64)); got&hv.Cr0PG == 0 || got&hv.Cr0PE == 0 {
		t.Errorf("CR0 = %#x, missing PE|PG", got)
	}
	if got := uint64(regs[hv.RegisterAMD64Cr3].(hv.Register64)); got != state.Cr3 {
		t.Errorf("CR3 = %#x, want %#x", got, state.Cr3)
	}
	if got := uint64(regs[hv.RegisterAMD64Cr4].(hv.Register64)); got&hv.Cr4PAE == 0 {
		t.Errorf("CR4 = %#x, missing PAE", got)
	}
	if got := uint64(regs[hv.RegisterAMD64Efer].(hv.Register64)); got&(hv.EferLME|hv.EferLMA) != hv.EferLME|hv.EferLMA {
		t.Errorf("EFER = %#x, missing LME|LMA", got)
	}
}

func TestModeNeverMovesBackward(t *testing.T) {
	cpu := protectedCPU(t)
	if err := cpu.LoadIDT(hv.TablePointer{}); err != nil {
		t.Fatal(err)
	}
	if err := cpu.EnterLongMode(hv.LongModeState{Cr3: 0x10000}); err != nil {
		t.Fatal(err)
	}

	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); err == nil {
		t.Error("re-entered protected mode from long mode")
	}
	if err := cpu.EnterUnrealMode(); err == nil {
		t.Error("entered unreal mode from long mode")
	}
}

func TestHaltIsTerminal(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()
	cpu.Halt()

	cpu.SetInterruptsEnabled(false)
	if err := cpu.EnterProtectedMode(testGDT, 0x08, 0x10); !errors.Is(err, hv.ErrVMHalted) {
		t.Errorf("EnterProtectedMode err = %v, want ErrVMHalted", err)
	}
	if err := cpu.LoadIDT(hv.TablePointer{}); !errors.Is(err, hv.ErrVMHalted) {
		t.Errorf("LoadIDT err = %v, want ErrVMHalted", err)
	}
}

func TestRflagsIDStuckWithoutCPUID(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()
	cpu.SetFeatures(hv.CPUFeatures{})

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rflags: nil}
	if err := cpu.GetRegisters(regs); err != nil {
		t.Fatal(err)
	}
	before := uint64(regs[hv.RegisterAMD64Rflags].(hv.Register64))

	toggled := before ^ hv.RflagsID
	if err := cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(toggled),
	}); err != nil {
		t.Fatal(err)
	}
	if err := cpu.GetRegisters(regs); err != nil {
		t.Fatal(err)
	}
	after := uint64(regs[hv.RegisterAMD64Rflags].(hv.Register64))
	if after&hv.RflagsID != before&hv.RflagsID {
		t.Error("RFLAGS.ID toggled on a CPU without the CPUID instruction")
	}
}

func TestRflagsIDWritableWithCPUID(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()

	if err := cpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(hv.RflagsReserved | hv.RflagsID),
	}); err != nil {
		t.Fatal(err)
	}
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rflags: nil}
	if err := cpu.GetRegisters(regs); err != nil {
		t.Fatal(err)
	}
	if uint64(regs[hv.RegisterAMD64Rflags].(hv.Register64))&hv.RflagsID == 0 {
		t.Error("RFLAGS.ID did not stick on a CPUID-capable CPU")
	}
}

func TestCPUIDLeaves(t *testing.T) {
	cpu := NewMachine(1 << 20).CPU()

	eax, _, _, _, ok := cpu.CPUID(0x80000000)
	if !ok || eax < 0x80000001 {
		t.Fatalf("extended base leaf = %#x, %v", eax, ok)
	}
	_, _, _, edx, ok := cpu.CPUID(0x80000001)
	if !ok || edx&(1<<29) == 0 {
		t.Fatalf("extended feature leaf edx = %#x, %v; want long mode bit", edx, ok)
	}

	// Without extended leaves the base leaf caps at itself and the feature
	// leaf is absent.
	cpu.SetFeatures(hv.CPUFeatures{CPUID: true})
	eax, _, _, _, ok = cpu.CPUID(0x80000000)
	if !ok || eax != 0x80000000 {
		t.Errorf("capped base leaf = %#x, %v", eax, ok)
	}
	if _, _, _, _, ok = cpu.CPUID(0x80000001); ok {
		t.Error("feature leaf answered without extended leaves")
	}

	// Long mode absent: leaf exists but bit 29 is clear.
	cpu.SetFeatures(hv.CPUFeatures{CPUID: true, ExtendedLeaves: true})
	_, _, _, edx, ok = cpu.CPUID(0x80000001)
	if !ok || edx&(1<<29) != 0 {
		t.Errorf("feature leaf edx = %#x, %v; want bit 29 clear", edx, ok)
	}

	if _, _, _, _, ok := cpu.CPUID(0x12345678); ok {
		t.Error("unknown leaf answered")
	}
}

func TestMachineMemoryBounds(t *testing.T) {
	vm := NewMachine(0x1000)
	buf := make([]byte, 16)

	if _, err := vm.WriteAt(buf, 0x2000); err == nil {
		t.Error("write past end of memory succeeded")
	}
	if _, err := vm.ReadAt(buf, -1); err == nil {
		t.Error("read at negative address succeeded")
	}
	if n, err := vm.WriteAt(buf, 0xFF8); err == nil || n != 8 {
		t.Errorf("straddling write = %d, %v; want 8 with error", n, err)
	}
}

func TestPortDispatch(t *testing.T) {
	vm := NewMachine(0x1000)
	if err := vm.WriteIOPort(0x92, []byte{0x02}); err == nil {
		t.Error("write to unclaimed port succeeded")
	}
}
