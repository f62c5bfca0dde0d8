// Package e820 builds the physical memory map by iterating the firmware's
// E820 service and depositing the accepted entries at a well-known guest
// address for later stages and the payload.
package e820

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/biosboot/internal/firmware"
	"github.com/tinyrange/biosboot/internal/hv"
)

const (
	// EntrySize is the stored entry size: base, length, type, extended
	// attributes.
	EntrySize = 24
	// MaxEntries is the fixed capacity of the output buffer.
	MaxEntries = 128

	// ignoreAttrBit: when the firmware reports extended attributes (>= 21
	// bytes per entry) and bit 0 is clear, the entry must be ignored.
	ignoreAttrBit = 1 << 0
)

// ErrQueryFailed reports non-compliant or failing firmware: a bad signature,
// or no entries produced at all.
var ErrQueryFailed = errors.New("e820: memory map query failed")

// Entry is one accepted memory map record.
type Entry struct {
	Base     uint64
	Length   uint64
	Type     uint32
	ExtAttrs uint32
}

// Encode packs the entry into its 24-byte stored form.
func (e Entry) Encode() [EntrySize]byte {
	var out [EntrySize]byte
	binary.LittleEndian.PutUint64(out[0:], e.Base)
	binary.LittleEndian.PutUint64(out[8:], e.Length)
	binary.LittleEndian.PutUint32(out[16:], e.Type)
	binary.LittleEndian.PutUint32(out[20:], e.ExtAttrs)
	return out
}

// DecodeEntry reads a stored (or firmware-returned) entry. Entries shorter
// than the full 24 bytes default the extended attributes to "do not ignore".
func DecodeEntry(raw []byte, size uint32) (Entry, error) {
	if int(size) > len(raw) || size < firmware.E820EntrySizeShort {
		return Entry{}, fmt.Errorf("e820: bad entry size %d", size)
	}
	entry := Entry{
		Base:     binary.LittleEndian.Uint64(raw[0:]),
		Length:   binary.LittleEndian.Uint64(raw[8:]),
		Type:     binary.LittleEndian.Uint32(raw[16:]),
		ExtAttrs: ignoreAttrBit,
	}
	if size >= 21 {
		entry.ExtAttrs = binary.LittleEndian.Uint32(raw[20:])
	}
	return entry, nil
}

// BuildMap queries the firmware until the continuation value returns to zero
// and writes the accepted entries to bufferAddr, the final count (as a
// 64-bit value; only the low byte is meaningful) to countAddr. Returns the
// number of accepted entries.
//
// Acceptance rules: zero-length entries are dropped; entries carrying
// extended attributes with the ignore bit clear are dropped. Accepted entries
// keep firmware order and are never reordered or removed.
func BuildMap(vm hv.VirtualMachine, bios *firmware.BIOS, bufferAddr, countAddr uint64) (int, error) {
	var (
		continuation uint32
		accepted     int
	)

	for {
		if accepted >= MaxEntries {
			break
		}
		// The firmware writes each candidate entry directly at the next
		// buffer slot; rejected entries are simply overwritten by the next
		// call.
		dest := bufferAddr + uint64(accepted)*EntrySize
		res, err := bios.E820Next(continuation, dest, EntrySize)
		if err != nil {
			if accepted > 0 {
				// Some firmware signals the end of the map with a failed
				// call instead of a zero continuation.
				break
			}
			return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if res.Signature != firmware.E820Signature {
			return 0, fmt.Errorf("%w: bad signature %#x", ErrQueryFailed, res.Signature)
		}

		var raw [EntrySize]byte
		if _, err := vm.ReadAt(raw[:], int64(dest)); err != nil {
			return 0, fmt.Errorf("e820: read back entry at %#x: %w", dest, err)
		}
		entry, err := DecodeEntry(raw[:], res.Size)
		if err != nil {
			return 0, err
		}

		keep := entry.Length != 0 && (res.Size < 21 || entry.ExtAttrs&ignoreAttrBit != 0)
		if keep {
			// Stored entries are always the full 24 bytes; normalize short
			// firmware entries in place.
			full := entry.Encode()
			if _, err := vm.WriteAt(full[:], int64(dest)); err != nil {
				return 0, fmt.Errorf("e820: store entry at %#x: %w", dest, err)
			}
			accepted++
		}

		if res.Continuation == 0 {
			break
		}
		continuation = res.Continuation
	}

	if accepted == 0 {
		return 0, fmt.Errorf("%w: no usable entries", ErrQueryFailed)
	}

	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(accepted))
	if _, err := vm.WriteAt(count[:], int64(countAddr)); err != nil {
		return 0, fmt.Errorf("e820: write entry count at %#x: %w", countAddr, err)
	}
	return accepted, nil
}

// ReadMap decodes a previously built map from guest memory. The payload side
// of the hand-off contract uses the same layout.
func ReadMap(vm hv.VirtualMachine, bufferAddr, countAddr uint64) ([]Entry, error) {
	var raw [8]byte
	if _, err := vm.ReadAt(raw[:], int64(countAddr)); err != nil {
		return nil, fmt.Errorf("e820: read entry count at %#x: %w", countAddr, err)
	}
	count := int(binary.LittleEndian.Uint64(raw[:]) & 0xFF)
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		var buf [EntrySize]byte
		if _, err := vm.ReadAt(buf[:], int64(bufferAddr)+int64(i)*EntrySize); err != nil {
			return nil, fmt.Errorf("e820: read entry %d: %w", i, err)
		}
		entry, err := DecodeEntry(buf[:], EntrySize)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
