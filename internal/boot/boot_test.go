package boot_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/biosboot/internal/boot"
	"github.com/tinyrange/biosboot/internal/boot/disk"
	"github.com/tinyrange/biosboot/internal/console"
	"github.com/tinyrange/biosboot/internal/devices/input"
	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
	"github.com/tinyrange/biosboot/internal/hv/sim"
	"github.com/tinyrange/biosboot/internal/medium"
)

type machine struct {
	vm   *sim.Machine
	cpu  *sim.CPU
	bios *firmware.BIOS
	gate *input.I8042
	plan *boot.Plan
}

func testPayload(sectors int) []byte {
	payload := make([]byte, sectors*medium.SectorSize)
	for i := range payload {
		payload[i] = byte(0x40 + i%191)
	}
	return payload
}

func buildMedium(t *testing.T, opts medium.BuildOptions) *medium.Image {
	t.Helper()
	var buf bytes.Buffer
	if _, err := medium.Build(&buf, opts); err != nil {
		t.Fatalf("build medium: %v", err)
	}
	img, err := medium.Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open medium: %v", err)
	}
	return img
}

func newMachine(t *testing.T, img *medium.Image, fwCfg firmware.Config, bootOpts boot.Options) *machine {
	t.Helper()
	vm := sim.NewMachine(8 << 20)
	cpu := vm.CPU()

	gate := input.NewI8042()
	if err := vm.AddDevice(gate); err != nil {
		t.Fatal(err)
	}

	fwCfg.Medium = img
	fwCfg.MediumSectors = img.Sectors()
	bios := firmware.New(vm, cpu, fwCfg)

	bootOpts.Medium = img
	plan, err := boot.NewPlan(vm, cpu, vm, bios, bootOpts)
	if err != nil {
		t.Fatal(err)
	}
	return &machine{vm: vm, cpu: cpu, bios: bios, gate: gate, plan: plan}
}

// screenText reads back what the console wrote to the text buffer after
// firmware services went away.
func screenText(t *testing.T, vm *sim.Machine) string {
	t.Helper()
	raw := make([]byte, console.Columns*2)
	if _, err := vm.ReadAt(raw, console.TextBufferAddr); err != nil {
		t.Fatal(err)
	}
	var text []byte
	for i := 0; i < len(raw); i += 2 {
		if raw[i] == 0 {
			break
		}
		text = append(text, raw[i])
	}
	return string(text)
}

func TestPrepareReachesLongMode(t *testing.T) {
	payload := testPayload(4)
	img := buildMedium(t, medium.BuildOptions{Payload: payload, EntryAddr: 0x100000})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})

	handoff, err := m.plan.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if m.cpu.Mode() != hv.ModeLong {
		t.Fatalf("mode = %s, want long", m.cpu.Mode())
	}
	if !m.gate.A20Enabled() {
		t.Error("A20 gate still closed")
	}
	if m.cpu.Halted() {
		t.Error("CPU halted on the success path")
	}

	// The payload must land at 1 MiB byte for byte.
	got := make([]byte, len(payload))
	if _, err := m.vm.ReadAt(got, boot.ImageLoadAddr); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload at 1 MiB differs from medium")
	}

	// Sector 0 sits at the traditional address.
	var sector [medium.SectorSize]byte
	if _, err := m.vm.ReadAt(sector[:], boot.BootSectorAddr); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint16(sector[510:]) != medium.BootSignature {
		t.Error("boot sector at 0x7C00 missing its signature")
	}

	// Paging root and the populated top-level entries.
	if handoff.State.Cr3 != boot.PageTableBase {
		t.Errorf("CR3 = %#x, want %#x", handoff.State.Cr3, boot.PageTableBase)
	}
	for i := 0; i < 3; i++ {
		var raw [8]byte
		if _, err := m.vm.ReadAt(raw[:], boot.PageTableBase+int64(i)*8); err != nil {
			t.Fatal(err)
		}
		if binary.LittleEndian.Uint64(raw[:]) == 0 {
			t.Errorf("top-level paging entry %d is empty", i)
		}
	}

	if handoff.State.Entry != 0x100000 {
		t.Errorf("entry = %#x, want 0x100000", handoff.State.Entry)
	}
	if handoff.State.StackTop != boot.StackTopAddr {
		t.Errorf("stack top = %#x, want %#x", handoff.State.StackTop, boot.StackTopAddr)
	}

	// The memory map was deposited and counted before the mode switch.
	if handoff.MapEntries == 0 {
		t.Error("no memory map entries accepted")
	}
	var raw [8]byte
	if _, err := m.vm.ReadAt(raw[:], boot.MapCountAddr); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint64(raw[:]); got != uint64(handoff.MapEntries) {
		t.Errorf("stored map count = %d, want %d", got, handoff.MapEntries)
	}

	if m.bios.VideoMode() != boot.DefaultVideoMode {
		t.Errorf("video mode = %#x, want %#x", m.bios.VideoMode(), boot.DefaultVideoMode)
	}
}

func TestPrepareDefaultEntryIsLoadAddress(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})

	handoff, err := m.plan.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if handoff.State.Entry != boot.ImageLoadAddr {
		t.Errorf("entry = %#x, want %#x", handoff.State.Entry, boot.ImageLoadAddr)
	}
}

func TestPrepareLoadsAssets(t *testing.T) {
	asset := bytes.Repeat([]byte{0x5A}, 3*medium.SectorSize)
	img := buildMedium(t, medium.BuildOptions{
		Payload:   testPayload(2),
		EntryAddr: 0x100000,
		Asset:     asset,
	})
	m := newMachine(t, img, firmware.Config{}, boot.Options{LoadAssets: true})

	handoff, err := m.plan.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if handoff.AssetAddr != boot.AssetLoadAddr {
		t.Fatalf("asset address = %#x, want %#x", handoff.AssetAddr, boot.AssetLoadAddr)
	}
	if handoff.AssetSectors != 3 {
		t.Errorf("asset sectors = %d, want 3", handoff.AssetSectors)
	}

	got := make([]byte, len(asset))
	if _, err := m.vm.ReadAt(got, boot.AssetLoadAddr); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, asset) {
		t.Error("asset bytes at load address differ")
	}
}

func TestPrepareSkipsAssetsUnlessAsked(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{
		Payload: testPayload(1),
		Asset:   make([]byte, medium.SectorSize),
	})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})

	handoff, err := m.plan.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if handoff.AssetAddr != 0 || handoff.AssetSectors != 0 {
		t.Errorf("asset fields = %#x/%d, want zero", handoff.AssetAddr, handoff.AssetSectors)
	}
}

func TestPrepareVideoModeOverride(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{}, boot.Options{VideoMode: 0x12})

	if _, err := m.plan.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if m.bios.VideoMode() != 0x12 {
		t.Errorf("video mode = %#x, want 0x12", m.bios.VideoMode())
	}
}

func TestPrepareNoDiskExtensions(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{NoDiskExtensions: true}, boot.Options{})

	_, err := m.plan.Prepare()
	if !errors.Is(err, disk.ErrNoExtensions) {
		t.Fatalf("err = %v, want ErrNoExtensions", err)
	}
	if !m.cpu.Halted() {
		t.Error("CPU not halted")
	}
	if got := string(m.bios.TeletypeLog()); got != disk.DiagNoExtensions {
		t.Errorf("diagnostic = %q, want %q", got, disk.DiagNoExtensions)
	}
}

func TestPrepareDiskFailure(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(4)})
	m := newMachine(t, img, firmware.Config{
		FailRead: func(lba uint64) bool { return lba == 3 },
	}, boot.Options{})

	_, err := m.plan.Prepare()
	if !errors.Is(err, disk.ErrReadFailed) {
		t.Fatalf("err = %v, want ErrReadFailed", err)
	}
	if !m.cpu.Halted() {
		t.Error("CPU not halted")
	}
	if got := string(m.bios.TeletypeLog()); got != disk.DiagReadFailed {
		t.Errorf("diagnostic = %q, want %q", got, disk.DiagReadFailed)
	}
}

func TestPrepareMemoryMapFailure(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{CorruptE820Signature: true}, boot.Options{})

	_, err := m.plan.Prepare()
	if !errors.Is(err, boot.ErrMemoryMap) {
		t.Fatalf("err = %v, want ErrMemoryMap", err)
	}
	if !m.cpu.Halted() {
		t.Error("CPU not halted")
	}
	if got := string(m.bios.TeletypeLog()); got != boot.DiagMemoryMap {
		t.Errorf("diagnostic = %q, want %q", got, boot.DiagMemoryMap)
	}
}

func TestPrepareNoCPUID(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})
	m.cpu.SetFeatures(hv.CPUFeatures{})

	_, err := m.plan.Prepare()
	if !errors.Is(err, boot.ErrNoCPUID) {
		t.Fatalf("err = %v, want ErrNoCPUID", err)
	}
	if !m.cpu.Halted() {
		t.Error("CPU not halted")
	}
	// Stage 3 runs after the firmware is gone; the diagnostic goes to the
	// text buffer, not the teletype.
	if got := screenText(t, m.vm); got != boot.DiagNoCPUID {
		t.Errorf("screen = %q, want %q", got, boot.DiagNoCPUID)
	}
}

func TestPrepareNoLongMode(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})
	m.cpu.SetFeatures(hv.CPUFeatures{CPUID: true, ExtendedLeaves: true})

	_, err := m.plan.Prepare()
	if !errors.Is(err, boot.ErrNoLongMode) {
		t.Fatalf("err = %v, want ErrNoLongMode", err)
	}
	if !m.cpu.Halted() {
		t.Error("CPU not halted")
	}
	// The two hardware-absence failures must be tellable apart on screen.
	if got := screenText(t, m.vm); got != boot.DiagNoLongMode {
		t.Errorf("screen = %q, want %q", got, boot.DiagNoLongMode)
	}
}

func TestPrepareNoExtendedLeaves(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})
	m.cpu.SetFeatures(hv.CPUFeatures{CPUID: true})

	_, err := m.plan.Prepare()
	if !errors.Is(err, boot.ErrNoLongMode) {
		t.Fatalf("err = %v, want ErrNoLongMode", err)
	}
	if got := screenText(t, m.vm); got != boot.DiagNoLongMode {
		t.Errorf("screen = %q, want %q", got, boot.DiagNoLongMode)
	}
}

func TestNewPlanRequiresMedium(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	bios := firmware.New(vm, vm.CPU(), firmware.Config{})
	if _, err := boot.NewPlan(vm, vm.CPU(), vm, bios, boot.Options{}); err == nil {
		t.Fatal("expected error for missing medium")
	}
}

func TestHandoffConfiguresVCPU(t *testing.T) {
	img := buildMedium(t, medium.BuildOptions{Payload: testPayload(1)})
	m := newMachine(t, img, firmware.Config{}, boot.Options{})

	handoff, err := m.plan.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// A fresh CPU accepts the prepared state directly, the way a
	// hardware-backed vCPU would.
	target := sim.NewMachine(8 << 20).CPU()
	if err := handoff.ConfigureVCPU(target); err != nil {
		t.Fatalf("ConfigureVCPU: %v", err)
	}
	if target.Mode() != hv.ModeLong {
		t.Errorf("target mode = %s, want long", target.Mode())
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
	if err := target.GetRegisters(regs); err != nil {
		t.Fatal(err)
	}
	if got := uint64(regs[hv.RegisterAMD64Rip].(hv.Register64)); got != handoff.State.Entry {
		t.Errorf("target RIP = %#x, want %#x", got, handoff.State.Entry)
	}
}
