package boot

import (
	"fmt"

	"github.com/tinyrange/biosboot/internal/hv"
)

// Handoff is the contract delivered to the 64-bit payload: a long-mode
// register file with paging over the first 1.5 TiB identity-mapped, the
// descriptor table loaded, interrupts off, and the memory map (plus any
// asset data) parked at fixed addresses.
type Handoff struct {
	State hv.LongModeState

	// MapBufferAddr and MapCountAddr locate the built memory map.
	MapBufferAddr uint64
	MapCountAddr  uint64
	// MapEntries is the accepted entry count, mirrored from the count word.
	MapEntries int

	// AssetAddr is where asset data was loaded; zero when none was.
	AssetAddr    uint64
	AssetSectors uint16
}

// ConfigureVCPU programs a hardware-backed vCPU with the prepared long-mode
// state, so the payload starts executing exactly where the simulated
// sequence left off.
func (h *Handoff) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("boot: vCPU %T cannot accept a long mode hand-off", vcpu)
	}
	return amd64.SetLongModeState(h.State)
}
