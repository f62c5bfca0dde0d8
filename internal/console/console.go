// Package console writes diagnostic text to the display: one firmware
// teletype call per byte while real-mode services exist, direct character
// cells in the text-mode buffer afterwards. It exists solely so a fatal
// condition can be reported before the machine halts.
package console

import (
	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
)

const (
	// TextBufferAddr is the base of the color text-mode buffer.
	TextBufferAddr = 0xB8000

	// DefaultAttribute is the single attribute byte used for all output:
	// light grey on black.
	DefaultAttribute = 0x07

	Columns = 80
	Rows    = 25
)

// Console is the boot-time diagnostic writer.
type Console struct {
	vm   hv.VirtualMachine
	bios *firmware.BIOS
	cpu  hv.ModeSource

	cell int
}

func New(vm hv.VirtualMachine, bios *firmware.BIOS, cpu hv.ModeSource) *Console {
	return &Console{vm: vm, bios: bios, cpu: cpu}
}

// WriteString emits each byte of s. There is no error condition and no
// return value; output that cannot be delivered is simply lost, which is all
// a halting machine can offer anyway.
func (c *Console) WriteString(s string) {
	realMode := false
	if mode := c.cpu.Mode(); mode == hv.ModeReal || mode == hv.ModeUnreal {
		realMode = true
	}
	for i := 0; i < len(s); i++ {
		if realMode && c.bios != nil {
			_ = c.bios.Teletype(s[i])
			continue
		}
		if c.cell >= Columns*Rows {
			return
		}
		cell := [2]byte{s[i], DefaultAttribute}
		_, _ = c.vm.WriteAt(cell[:], int64(TextBufferAddr+c.cell*2))
		c.cell++
	}
}
