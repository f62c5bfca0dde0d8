package firmware

import (
	"encoding/binary"
	"fmt"
)

// PacketSize is the fixed size of a disk address packet.
const PacketSize = 16

// DiskAddressPacket is the 16-byte record handed to the extended read
// service: size, reserved byte, sector count, destination offset/segment,
// starting LBA. The loader keeps one packet alive for the whole load and
// mutates it between calls.
type DiskAddressPacket struct {
	Sectors uint16
	Offset  uint16
	Segment uint16
	LBA     uint64
}

// Destination is the linear address the segment:offset pair resolves to.
func (p DiskAddressPacket) Destination() uint64 {
	return uint64(p.Segment)<<4 + uint64(p.Offset)
}

// Encode packs the packet into its 16-byte wire form.
func (p DiskAddressPacket) Encode() [PacketSize]byte {
	var out [PacketSize]byte
	out[0] = PacketSize
	out[1] = 0 // reserved
	binary.LittleEndian.PutUint16(out[2:], p.Sectors)
	binary.LittleEndian.PutUint16(out[4:], p.Offset)
	binary.LittleEndian.PutUint16(out[6:], p.Segment)
	binary.LittleEndian.PutUint64(out[8:], p.LBA)
	return out
}

// DecodePacket parses the wire form, rejecting a bad size byte.
func DecodePacket(raw []byte) (DiskAddressPacket, error) {
	if len(raw) < PacketSize {
		return DiskAddressPacket{}, fmt.Errorf("disk packet truncated (%d bytes)", len(raw))
	}
	if raw[0] != PacketSize {
		return DiskAddressPacket{}, fmt.Errorf("disk packet size byte %#x, want %#x", raw[0], PacketSize)
	}
	return DiskAddressPacket{
		Sectors: binary.LittleEndian.Uint16(raw[2:]),
		Offset:  binary.LittleEndian.Uint16(raw[4:]),
		Segment: binary.LittleEndian.Uint16(raw[6:]),
		LBA:     binary.LittleEndian.Uint64(raw[8:]),
	}, nil
}
