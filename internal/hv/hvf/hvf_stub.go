//go:build !darwin || !arm64

package hvf

import "github.com/tinyrange/vmm/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
