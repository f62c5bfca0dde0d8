package input

import "testing"

func outb(t *testing.T, c *I8042, port uint16, value byte) {
	t.Helper()
	if err := c.WriteIOPort(port, []byte{value}); err != nil {
		t.Fatalf("write port %#x: %v", port, err)
	}
}

func inb(t *testing.T, c *I8042, port uint16) byte {
	t.Helper()
	var data [1]byte
	if err := c.ReadIOPort(port, data[:]); err != nil {
		t.Fatalf("read port %#x: %v", port, err)
	}
	return data[0]
}

func TestA20StartsClosed(t *testing.T) {
	c := NewI8042()
	if c.A20Enabled() {
		t.Fatal("A20 open at reset")
	}
	if inb(t, c, fastA20Port)&0x02 != 0 {
		t.Fatal("fast gate reads open at reset")
	}
}

func TestA20ViaOutputPortCommands(t *testing.T) {
	c := NewI8042()

	// Classic sequence: disable keyboard, read output port, write it back
	// with the gate bit set, re-enable.
	outb(t, c, i8042CommandPort, i8042CommandDisableFirst)
	outb(t, c, i8042CommandPort, i8042CommandReadOutputPort)
	if inb(t, c, i8042CommandPort)&i8042StatusOutputFull == 0 {
		t.Fatal("output buffer empty after read-output-port command")
	}
	value := inb(t, c, i8042DataPort)
	if value&outputPortReset == 0 {
		t.Error("reset bit clear in output port value")
	}

	outb(t, c, i8042CommandPort, i8042CommandWriteOutputPort)
	outb(t, c, i8042DataPort, value|outputPortA20)
	outb(t, c, i8042CommandPort, i8042CommandEnableFirst)

	if !c.A20Enabled() {
		t.Fatal("A20 still closed after output port write")
	}
	if inb(t, c, fastA20Port)&0x02 == 0 {
		t.Error("fast gate does not observe the opened line")
	}
}

func TestA20ViaFastGate(t *testing.T) {
	c := NewI8042()
	outb(t, c, fastA20Port, 0x02)
	if !c.A20Enabled() {
		t.Fatal("A20 closed after fast gate write")
	}
	outb(t, c, fastA20Port, 0x00)
	if c.A20Enabled() {
		t.Fatal("A20 open after fast gate clear")
	}
}

func TestOutputBufferDrains(t *testing.T) {
	c := NewI8042()
	outb(t, c, i8042CommandPort, i8042CommandReadOutputPort)
	inb(t, c, i8042DataPort)
	if inb(t, c, i8042CommandPort)&i8042StatusOutputFull != 0 {
		t.Error("output buffer still full after drain")
	}
}

func TestDataWriteIgnoredWithoutCommand(t *testing.T) {
	c := NewI8042()
	// A stray data write must not reach the output port.
	outb(t, c, i8042DataPort, 0xFF)
	if c.A20Enabled() {
		t.Error("stray data write reprogrammed the output port")
	}
}
