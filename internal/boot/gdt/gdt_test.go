package gdt

import (
	"encoding/binary"
	"testing"
)

func TestDescriptorEncode(t *testing.T) {
	// Flat 32-bit code descriptor: base 0, limit 0xFFFFF, access 0x9A,
	// flags G|DB. The packed form is the well-known 0x00CF9A000000FFFF.
	d := Descriptor{
		Limit:  0xFFFFF,
		Access: AccessCode,
		Flags:  FlagGranularity4K | FlagSize32,
	}
	if got, want := d.Encode(), uint64(0x00CF9A000000FFFF); got != want {
		t.Errorf("code descriptor = %#016x, want %#016x", got, want)
	}

	d = Descriptor{
		Limit:  0xFFFFF,
		Access: AccessData,
		Flags:  FlagGranularity4K | FlagSize32,
	}
	if got, want := d.Encode(), uint64(0x00CF92000000FFFF); got != want {
		t.Errorf("data descriptor = %#016x, want %#016x", got, want)
	}
}

func TestDescriptorEncodeBaseSplit(t *testing.T) {
	d := Descriptor{
		Base:   0x12345678,
		Limit:  0xABCDE,
		Access: AccessData,
		Flags:  FlagGranularity4K,
	}
	enc := d.Encode()

	base := (enc>>16)&0xFFFFFF | (enc>>56)<<24
	if base != 0x12345678 {
		t.Errorf("base = %#x, want 0x12345678", base)
	}
	limit := enc&0xFFFF | ((enc>>48)&0xF)<<16
	if limit != 0xABCDE {
		t.Errorf("limit = %#x, want 0xabcde", limit)
	}
	if access := uint8(enc >> 40); access != AccessData {
		t.Errorf("access = %#x, want %#x", access, AccessData)
	}
}

func TestProtected32Layout(t *testing.T) {
	table := Protected32()
	if table.Len() != 3 {
		t.Fatalf("table has %d entries, want 3", table.Len())
	}
	if table.Entry(0) != 0 {
		t.Errorf("entry 0 = %#x, want null descriptor", table.Entry(0))
	}

	// The fixed selectors must index the code and data descriptors.
	code := table.Entry(SelectorCode / 8)
	if (code>>40)&0xFF != AccessCode {
		t.Errorf("code access = %#x, want %#x", (code>>40)&0xFF, AccessCode)
	}
	data := table.Entry(SelectorData / 8)
	if (data>>40)&0xFF != AccessData {
		t.Errorf("data access = %#x, want %#x", (data>>40)&0xFF, AccessData)
	}
}

func TestLong64CodeCarriesLongBit(t *testing.T) {
	table := Long64()
	code := table.Entry(SelectorCode / 8)

	flags := (code >> 52) & 0xF
	if flags&FlagLongMode == 0 {
		t.Errorf("long mode code descriptor flags = %#x, missing L bit", flags)
	}
	if flags&FlagSize32 != 0 {
		t.Errorf("long mode code descriptor flags = %#x, must not set DB with L", flags)
	}

	data := table.Entry(SelectorData / 8)
	if (data>>52)&0xF&FlagLongMode != 0 {
		t.Errorf("data descriptor must not carry the L bit")
	}
}

func TestPointerLimit(t *testing.T) {
	table := Protected32()
	ptr := table.Pointer(0x6400)
	if ptr.Base != 0x6400 {
		t.Errorf("base = %#x, want 0x6400", ptr.Base)
	}
	if want := uint16(3*8 - 1); ptr.Limit != want {
		t.Errorf("limit = %d, want %d", ptr.Limit, want)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	table := Long64()
	raw := table.Bytes()
	if len(raw) != table.Len()*8 {
		t.Fatalf("bytes length = %d, want %d", len(raw), table.Len()*8)
	}
	for i := 0; i < table.Len(); i++ {
		if got := binary.LittleEndian.Uint64(raw[i*8:]); got != table.Entry(i) {
			t.Errorf("entry %d = %#x, want %#x", i, got, table.Entry(i))
		}
	}
}
