//go:build linux

package factory

import (
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
