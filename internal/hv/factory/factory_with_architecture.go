package factory

import (
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
)

// OpenWithArchitecture opens the host backend and checks that it runs guests
// of the requested architecture. ArchitectureInvalid accepts whatever the host
// provides.
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureInvalid, hv.ArchitectureX86_64, hv.ArchitectureARM64:
	default:
		return nil, fmt.Errorf("unsupported architecture %q: %w", arch, hv.ErrUnsupported)
	}

	h, err := Open()
	if err != nil {
		return nil, err
	}

	if arch != hv.ArchitectureInvalid && h.Architecture() != arch {
		got := h.Architecture()
		h.Close()
		return nil, fmt.Errorf("host hypervisor runs %s guests, not %s: %w", got, arch, hv.ErrUnsupported)
	}

	return h, nil
}
