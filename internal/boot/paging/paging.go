// Package paging builds the 4-level identity map the long-mode switch
// requires: one top-level table pointing at three fully-populated
// second-level tables of 1 GiB huge pages, covering physical addresses 0 to
// 1.5 TiB. The build is one-shot; the hierarchy is never extended or edited
// afterwards.
package paging

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/biosboot/internal/hv"
)

// Page table entry bits.
const (
	EntryPresent  = uint64(1 << 0)
	EntryWritable = uint64(1 << 1)
	EntryHuge     = uint64(1 << 7)
)

const (
	// TableSize is the size of one paging structure.
	TableSize = 0x1000
	// EntriesPerTable is the entry count of every structure level.
	EntriesPerTable = 512

	// DirectoryPointerTables is how many second-level tables are built; each
	// covers 512 GiB.
	DirectoryPointerTables = 3

	// HugePageSize is the reach of one second-level entry.
	HugePageSize = uint64(1) << 30

	// MappedBytes is the total identity-mapped range: 3 x 512 GiB.
	MappedBytes = DirectoryPointerTables * (EntriesPerTable * HugePageSize)

	// ReservedBytes is the memory the whole hierarchy occupies.
	ReservedBytes = (1 + DirectoryPointerTables) * TableSize
)

// BuildIdentityMap zeroes the reserved region at base and populates the
// hierarchy. base must be 4 KiB aligned. Returns the physical address of the
// top-level table, ready for CR3.
func BuildIdentityMap(vm hv.VirtualMachine, base uint64) (uint64, error) {
	if base&(TableSize-1) != 0 {
		return 0, fmt.Errorf("paging: table base %#x is not 4KiB aligned", base)
	}
	if end := base + ReservedBytes; end > vm.MemoryBase()+vm.MemorySize() {
		return 0, fmt.Errorf("paging: table region [%#x, %#x) outside RAM", base, end)
	}

	// Zero first, then populate: stale entries in the reserved region would
	// alias random physical ranges.
	zero := make([]byte, ReservedBytes)
	if _, err := vm.WriteAt(zero, int64(base)); err != nil {
		return 0, fmt.Errorf("paging: zero table region at %#x: %w", base, err)
	}

	pml4 := make([]byte, TableSize)
	for i := 0; i < DirectoryPointerTables; i++ {
		pdptAddr := base + uint64(1+i)*TableSize
		binary.LittleEndian.PutUint64(pml4[i*8:], pdptAddr|EntryPresent|EntryWritable)

		pdpt := make([]byte, TableSize)
		for j := 0; j < EntriesPerTable; j++ {
			phys := uint64(i)<<39 | uint64(j)*HugePageSize
			binary.LittleEndian.PutUint64(pdpt[j*8:], phys|EntryPresent|EntryWritable|EntryHuge)
		}
		if _, err := vm.WriteAt(pdpt, int64(pdptAddr)); err != nil {
			return 0, fmt.Errorf("paging: write directory pointer table %d: %w", i, err)
		}
	}
	if _, err := vm.WriteAt(pml4, int64(base)); err != nil {
		return 0, fmt.Errorf("paging: write top-level table: %w", err)
	}

	return base, nil
}
