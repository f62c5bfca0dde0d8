package console

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
	"github.com/tinyrange/biosboot/internal/hv/sim"
)

func TestWriteStringUsesTeletypeInRealMode(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	bios := firmware.New(vm, vm.CPU(), firmware.Config{})
	c := New(vm, bios, vm.CPU())

	c.WriteString("hello")
	if got := string(bios.TeletypeLog()); got != "hello" {
		t.Errorf("teletype log = %q, want %q", got, "hello")
	}

	// Nothing went to the text buffer.
	var cell [2]byte
	if _, err := vm.ReadAt(cell[:], TextBufferAddr); err != nil {
		t.Fatal(err)
	}
	if cell[0] != 0 {
		t.Error("text buffer written while firmware services exist")
	}
}

func TestWriteStringUsesTextBufferAfterModeSwitch(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	cpu := vm.CPU()
	bios := firmware.New(vm, cpu, firmware.Config{})
	c := New(vm, bios, cpu)

	cpu.SetInterruptsEnabled(false)
	if err := cpu.EnterProtectedMode(hv.TablePointer{Base: 0x6400, Limit: 23}, 0x08, 0x10); err != nil {
		t.Fatal(err)
	}

	c.WriteString("ok")
	raw := make([]byte, 4)
	if _, err := vm.ReadAt(raw, TextBufferAddr); err != nil {
		t.Fatal(err)
	}
	if raw[0] != 'o' || raw[2] != 'k' {
		t.Errorf("cells = %q %q, want 'o' 'k'", raw[0], raw[2])
	}
	if raw[1] != DefaultAttribute || raw[3] != DefaultAttribute {
		t.Error("attribute bytes not the default")
	}
	if len(bios.TeletypeLog()) != 0 {
		t.Error("teletype log written after real mode ended")
	}
}

func TestRenderTrimsBlankRows(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	cpu := vm.CPU()
	cpu.SetInterruptsEnabled(false)
	if err := cpu.EnterProtectedMode(hv.TablePointer{Base: 0x6400, Limit: 23}, 0x08, 0x10); err != nil {
		t.Fatal(err)
	}
	c := New(vm, nil, cpu)
	c.WriteString("boot failed")

	out, err := Render(vm)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	plain := ansi.Strip(out)
	if !strings.Contains(plain, "boot failed") {
		t.Errorf("rendered screen missing text:\n%s", plain)
	}
	if got := strings.Count(out, "\n"); got != 1 {
		t.Errorf("rendered %d rows, want 1", got)
	}
}
