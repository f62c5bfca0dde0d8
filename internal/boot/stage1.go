package boot

import (
	"errors"
	"fmt"

	"github.com/tinyrange/biosboot/internal/boot/gdt"
	"github.com/tinyrange/biosboot/internal/medium"
)

// ErrA20Gate reports that the address line 20 gate would not open.
var ErrA20Gate = errors.New("boot: A20 gate did not open")

// DiagA20Gate is written before halting on a stuck gate.
const DiagA20Gate = "failed to enable A20"

// Keyboard controller ports and commands used to open the A20 gate.
const (
	kbdDataPort    = 0x60
	kbdCommandPort = 0x64
	fastGatePort   = 0x92

	kbdReadOutputPort  = 0xd0
	kbdWriteOutputPort = 0xd1
	kbdDisableKeyboard = 0xad
	kbdEnableKeyboard  = 0xae

	outputPortA20Bit = 1 << 1
	fastGateA20Bit   = 1 << 1
)

// runStage1 is the real-mode bootstrap: interrupts off, segment state reset,
// A20 opened, disk extensions verified, then a transient trip through
// protected mode into unreal mode so the image load can target 1 MiB with
// firmware services still available.
func (p *Plan) runStage1() error {
	p.cpu.SetInterruptsEnabled(false)

	if err := p.enableA20(); err != nil {
		return err
	}

	// Interrupts back on while the firmware is still in use.
	p.cpu.SetInterruptsEnabled(true)

	if err := p.loader.CheckExtensions(); err != nil {
		return err
	}

	// Protected mode widens the segment descriptor caches; dropping straight
	// back out leaves them wide. That is the whole point of unreal mode.
	protGDT, err := gdt.Protected32().WriteTo(p.vm, ProtectedGDTAddr)
	if err != nil {
		return err
	}
	p.protGDT = protGDT

	p.cpu.SetInterruptsEnabled(false)
	if err := p.cpu.EnterProtectedMode(protGDT, gdt.SelectorCode, gdt.SelectorData); err != nil {
		return fmt.Errorf("boot: enter protected mode: %w", err)
	}
	if err := p.cpu.EnterUnrealMode(); err != nil {
		return fmt.Errorf("boot: enter unreal mode: %w", err)
	}
	p.cpu.SetInterruptsEnabled(true)

	layout := p.opts.Medium.Layout()
	if layout.ImageSectors == 0 {
		return errors.New("boot: medium layout names an empty image")
	}
	return p.loader.Load(medium.PayloadLBA, layout.ImageSectors, ImageLoadAddr)
}

// enableA20 opens the gate through the keyboard controller's output port,
// falls back to the fast gate, and verifies the line actually moved. A stuck
// gate is fatal: everything at 1 MiB would silently wrap to zero.
func (p *Plan) enableA20() error {
	writeByte := func(port uint16, value byte) error {
		return p.ports.WriteIOPort(port, []byte{value})
	}
	readByte := func(port uint16) (byte, error) {
		var buf [1]byte
		err := p.ports.ReadIOPort(port, buf[:])
		return buf[0], err
	}

	if err := writeByte(kbdCommandPort, kbdDisableKeyboard); err != nil {
		return fmt.Errorf("boot: disable keyboard: %w", err)
	}
	if err := writeByte(kbdCommandPort, kbdReadOutputPort); err != nil {
		return fmt.Errorf("boot: request output port: %w", err)
	}
	output, err := readByte(kbdDataPort)
	if err != nil {
		return fmt.Errorf("boot: read output port: %w", err)
	}
	if err := writeByte(kbdCommandPort, kbdWriteOutputPort); err != nil {
		return fmt.Errorf("boot: select output port write: %w", err)
	}
	if err := writeByte(kbdDataPort, output|outputPortA20Bit); err != nil {
		return fmt.Errorf("boot: write output port: %w", err)
	}
	if err := writeByte(kbdCommandPort, kbdEnableKeyboard); err != nil {
		return fmt.Errorf("boot: enable keyboard: %w", err)
	}

	gate, err := readByte(fastGatePort)
	if err != nil {
		return fmt.Errorf("boot: read fast gate: %w", err)
	}
	if gate&fastGateA20Bit == 0 {
		// Controllers that ignore the output port sometimes honor the fast
		// gate; try it before giving up.
		if err := writeByte(fastGatePort, gate|fastGateA20Bit); err != nil {
			return fmt.Errorf("boot: write fast gate: %w", err)
		}
		if gate, err = readByte(fastGatePort); err != nil {
			return fmt.Errorf("boot: re-read fast gate: %w", err)
		}
		if gate&fastGateA20Bit == 0 {
			p.console.WriteString(DiagA20Gate)
			p.cpu.Halt()
			return ErrA20Gate
		}
	}
	return nil
}
