// Package gdt assembles the two global descriptor tables the boot sequence
// loads: a flat 32-bit table for protected mode and a 64-bit table for long
// mode. Tables are built once and never edited; consumers refer to
// descriptors only by the fixed selector constants.
package gdt

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/biosboot/internal/hv"
)

// Selectors baked into the mode switch code. Index 0 is always the null
// descriptor.
const (
	SelectorCode = 0x08
	SelectorData = 0x10
)

// Access byte bits.
const (
	accessPresent    = 1 << 7
	accessCodeOrData = 1 << 4
	accessExecutable = 1 << 3
	accessReadWrite  = 1 << 1

	AccessCode = accessPresent | accessCodeOrData | accessExecutable | accessReadWrite // 0x9A
	AccessData = accessPresent | accessCodeOrData | accessReadWrite                    // 0x92
)

// Flags nibble bits.
const (
	FlagGranularity4K = 1 << 3
	FlagSize32        = 1 << 2
	FlagLongMode      = 1 << 1
)

// Descriptor is one 8-byte segment descriptor before packing.
type Descriptor struct {
	Base   uint32
	Limit  uint32 // 20-bit limit, in granularity units
	Access uint8
	Flags  uint8
}

// Encode packs the descriptor into the split base/limit layout the CPU
// consumes.
func (d Descriptor) Encode() uint64 {
	return (uint64(d.Base)&0xFF000000)<<32 |
		uint64(d.Flags&0xF)<<52 |
		uint64(d.Limit&0xF0000)<<32 |
		uint64(d.Access)<<40 |
		(uint64(d.Base)&0x00FFFFFF)<<16 |
		uint64(d.Limit&0xFFFF)
}

// Table is an assembled descriptor table. Entry 0 is the null descriptor.
type Table struct {
	entries []uint64
}

func newTable() *Table {
	return &Table{entries: []uint64{0}}
}

func (t *Table) add(d Descriptor) uint16 {
	selector := uint16(len(t.entries) * 8)
	t.entries = append(t.entries, d.Encode())
	return selector
}

// Len returns the number of descriptors including the null entry.
func (t *Table) Len() int { return len(t.entries) }

// Entry returns the packed descriptor at the given index.
func (t *Table) Entry(i int) uint64 { return t.entries[i] }

// Bytes returns the table in its in-memory form.
func (t *Table) Bytes() []byte {
	out := make([]byte, len(t.entries)*8)
	for i, e := range t.entries {
		binary.LittleEndian.PutUint64(out[i*8:], e)
	}
	return out
}

// Pointer builds the descriptor-table register image for a table placed at
// base.
func (t *Table) Pointer(base uint64) hv.TablePointer {
	return hv.TablePointer{
		Limit: uint16(len(t.entries)*8 - 1),
		Base:  base,
	}
}

// WriteTo places the table at base in guest memory and returns the register
// image to load.
func (t *Table) WriteTo(vm hv.VirtualMachine, base uint64) (hv.TablePointer, error) {
	if _, err := vm.WriteAt(t.Bytes(), int64(base)); err != nil {
		return hv.TablePointer{}, fmt.Errorf("gdt: write table at %#x: %w", base, err)
	}
	return t.Pointer(base), nil
}

// Protected32 assembles the 32-bit table: flat 0-based code and data
// descriptors with a 4 GiB limit.
func Protected32() *Table {
	t := newTable()
	t.add(Descriptor{Limit: 0xFFFFF, Access: AccessCode, Flags: FlagGranularity4K | FlagSize32})
	t.add(Descriptor{Limit: 0xFFFFF, Access: AccessData, Flags: FlagGranularity4K | FlagSize32})
	return t
}

// Long64 assembles the 64-bit table. The code descriptor carries the
// long-mode bit in place of the 32-bit size bit; base and limit are ignored
// by the CPU in long mode but kept flat for consistency.
func Long64() *Table {
	t := newTable()
	t.add(Descriptor{Limit: 0xFFFFF, Access: AccessCode, Flags: FlagGranularity4K | FlagLongMode})
	t.add(Descriptor{Limit: 0xFFFFF, Access: AccessData, Flags: FlagGranularity4K | FlagSize32})
	return t
}
