//go:build !linux || !amd64

package kvm

import (
	"github.com/tinyrange/biosboot/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
