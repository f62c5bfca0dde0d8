// Package input models the i8042 keyboard controller, which doubles as the
// gate for address line 20. Stage 1 drives it through the classic
// read-output-port / write-output-port command pair; the 0x92 fast gate is
// wired to the same state.
package input

import (
	"fmt"
	"sync"

	"github.com/tinyrange/biosboot/internal/hv"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64
	fastA20Port      = 0x92

	i8042CommandReadOutputPort  = 0xd0
	i8042CommandWriteOutputPort = 0xd1
	i8042CommandDisableFirst    = 0xad
	i8042CommandEnableFirst     = 0xae
)

const (
	i8042StatusOutputFull = 1 << 0
	i8042StatusInputFull  = 1 << 1
	i8042StatusSystemFlag = 1 << 2
)

const (
	// outputPortA20 is bit 1 of the controller output port: the A20 gate.
	outputPortA20 = 1 << 1
	// outputPortReset (bit 0) holds the CPU out of reset while set.
	outputPortReset = 1 << 0
)

type I8042 struct {
	mu sync.Mutex

	outputPort           byte
	outputBuffer         byte
	outputBufferFull     bool
	expectingOutputWrite bool
	firstPortDisabled    bool
}

func NewI8042() *I8042 {
	// A20 starts closed; everything past 1 MiB wraps until stage 1 opens it.
	return &I8042{outputPort: outputPortReset}
}

// A20Enabled reports the state of the address line 20 gate.
func (c *I8042) A20Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputPort&outputPortA20 != 0
}

// Init implements hv.Device.
func (c *I8042) Init(vm hv.VirtualMachine) error { return nil }

// IOPorts implements hv.X86IOPortDevice.
func (c *I8042) IOPorts() []uint16 {
	return []uint16{i8042DataPort, i8042CommandPort, fastA20Port}
}

// ReadIOPort implements hv.X86IOPortDevice.
func (c *I8042) ReadIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		switch port {
		case i8042CommandPort:
			data[i] = c.statusLocked()
		case i8042DataPort:
			data[i] = c.readDataLocked()
		case fastA20Port:
			var v byte
			if c.outputPort&outputPortA20 != 0 {
				v = 0x02
			}
			data[i] = v
		default:
			return fmt.Errorf("i8042: invalid read port 0x%04x", port)
		}
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (c *I8042) WriteIOPort(port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, value := range data {
		switch port {
		case i8042CommandPort:
			c.handleCommandLocked(value)
		case i8042DataPort:
			c.handleDataWriteLocked(value)
		case fastA20Port:
			if value&0x02 != 0 {
				c.outputPort |= outputPortA20
			} else {
				c.outputPort &^= outputPortA20
			}
		default:
			return fmt.Errorf("i8042: invalid write port 0x%04x", port)
		}
	}
	return nil
}

func (c *I8042) handleCommandLocked(command byte) {
	switch command {
	case i8042CommandReadOutputPort:
		c.queueOutputLocked(c.outputPort)
	case i8042CommandWriteOutputPort:
		c.expectingOutputWrite = true
	case i8042CommandDisableFirst:
		c.firstPortDisabled = true
	case i8042CommandEnableFirst:
		c.firstPortDisabled = false
	}
}

func (c *I8042) handleDataWriteLocked(value byte) {
	if c.expectingOutputWrite {
		c.outputPort = value
		c.expectingOutputWrite = false
	}
}

func (c *I8042) statusLocked() byte {
	status := byte(i8042StatusSystemFlag)
	if c.outputBufferFull {
		status |= i8042StatusOutputFull
	}
	return status
}

func (c *I8042) readDataLocked() byte {
	if !c.outputBufferFull {
		return 0x00
	}
	value := c.outputBuffer
	c.outputBufferFull = false
	return value
}

func (c *I8042) queueOutputLocked(value byte) {
	c.outputBuffer = value
	c.outputBufferFull = true
}

var (
	_ hv.X86IOPortDevice = &I8042{}
)
