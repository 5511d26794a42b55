//go:build linux && amd64

package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyrange/minivm/internal/config"
	"github.com/tinyrange/minivm/internal/exitloop"
	"github.com/tinyrange/minivm/internal/hv/factory"
)

func TestRunOnKVM(t *testing.T) {
	h, err := factory.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	defer h.Close()

	w := config.Default()
	w.Timeout = 10 * time.Second

	report, err := Run(context.Background(), h, w, Options{})
	require.NoError(t, err)

	assert.Equal(t, exitloop.Halted, report.State)
	assert.Equal(t, []byte("5"), report.Output)
	assert.Equal(t, uint(1), report.DirtyPages)
	assert.Equal(t, uint64(1), report.Exits["io-out"])
	assert.Equal(t, uint64(1), report.Exits["mmio-write"])
	assert.Equal(t, uint64(1), report.Exits["halt"])
}
