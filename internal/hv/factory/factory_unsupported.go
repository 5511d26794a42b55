//go:build !linux

package factory

import "github.com/tinyrange/minivm/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
