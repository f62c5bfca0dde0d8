package paging

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/biosboot/internal/hv/sim"
)

func readEntry(t *testing.T, vm *sim.Machine, addr uint64) uint64 {
	t.Helper()
	var raw [8]byte
	if _, err := vm.ReadAt(raw[:], int64(addr)); err != nil {
		t.Fatalf("read entry at %#x: %v", addr, err)
	}
	return binary.LittleEndian.Uint64(raw[:])
}

func TestBuildIdentityMap(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	const base = 0x10000

	cr3, err := BuildIdentityMap(vm, base)
	if err != nil {
		t.Fatalf("BuildIdentityMap: %v", err)
	}
	if cr3 != base {
		t.Fatalf("cr3 = %#x, want %#x", cr3, base)
	}

	// Top level: exactly 3 populated entries pointing at the directory
	// pointer tables, everything else zero.
	for i := 0; i < EntriesPerTable; i++ {
		entry := readEntry(t, vm, base+uint64(i)*8)
		if i < DirectoryPointerTables {
			wantAddr := uint64(base) + uint64(1+i)*TableSize
			if entry != wantAddr|EntryPresent|EntryWritable {
				t.Errorf("pml4[%d] = %#x, want %#x", i, entry, wantAddr|EntryPresent|EntryWritable)
			}
		} else if entry != 0 {
			t.Errorf("pml4[%d] = %#x, want 0", i, entry)
		}
	}

	// Each second-level table: 512 huge entries, entry j of table i mapping
	// i*512GiB + j*1GiB.
	for i := 0; i < DirectoryPointerTables; i++ {
		tableAddr := uint64(base) + uint64(1+i)*TableSize
		for j := 0; j < EntriesPerTable; j++ {
			entry := readEntry(t, vm, tableAddr+uint64(j)*8)
			wantPhys := uint64(i)<<39 | uint64(j)*HugePageSize
			want := wantPhys | EntryPresent | EntryWritable | EntryHuge
			if entry != want {
				t.Fatalf("pdpt[%d][%d] = %#x, want %#x", i, j, entry, want)
			}
		}
	}
}

func TestBuildIdentityMapZeroesStaleEntries(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	const base = 0x10000

	// Pollute the region first; the build must clear every byte it owns.
	junk := make([]byte, ReservedBytes)
	for i := range junk {
		junk[i] = 0xFF
	}
	if _, err := vm.WriteAt(junk, base); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	if _, err := BuildIdentityMap(vm, base); err != nil {
		t.Fatalf("BuildIdentityMap: %v", err)
	}

	for i := DirectoryPointerTables; i < EntriesPerTable; i++ {
		if entry := readEntry(t, vm, base+uint64(i)*8); entry != 0 {
			t.Fatalf("pml4[%d] = %#x after rebuild, want 0", i, entry)
		}
	}
}

func TestBuildIdentityMapRejectsMisaligned(t *testing.T) {
	vm := sim.NewMachine(1 << 20)
	if _, err := BuildIdentityMap(vm, 0x10800); err == nil {
		t.Fatal("expected error for misaligned base")
	}
}

func TestBuildIdentityMapRejectsOutOfRange(t *testing.T) {
	vm := sim.NewMachine(0x2000)
	if _, err := BuildIdentityMap(vm, 0x1000); err == nil {
		t.Fatal("expected error for table region outside RAM")
	}
}

func TestMappedBytes(t *testing.T) {
	if want := uint64(3) << 39; MappedBytes != want {
		t.Errorf("MappedBytes = %#x, want %#x (1.5 TiB)", uint64(MappedBytes), want)
	}
}
