package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tinyrange/minivm/internal/hv"
)

func TestOpenWithArchitectureRejectsUnknown(t *testing.T) {
	h, err := OpenWithArchitecture(hv.CpuArchitecture("riscv64"))
	assert.Nil(t, h)
	assert.ErrorIs(t, err, hv.ErrUnsupported)
}

func TestOpenWithArchitecture(t *testing.T) {
	h, err := OpenWithArchitecture(hv.ArchitectureX86_64)
	if err != nil {
		t.Skipf("no x86_64 hypervisor on this host: %v", err)
	}
	defer h.Close()

	assert.Equal(t, hv.ArchitectureX86_64, h.Architecture())
	assert.GreaterOrEqual(t, h.APIVersion(), 12)
}
