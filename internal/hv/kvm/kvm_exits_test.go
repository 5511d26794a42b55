//go:build linux

package kvm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyrange/minivm/internal/hv"
)

func newRunPage(reason kvmExitReason) ([]byte, *kvmRunData) {
	page := make([]byte, 4096)
	run := (*kvmRunData)(unsafe.Pointer(&page[0]))
	run.exit_reason = uint32(reason)
	return page, run
}

func TestDecodeHalt(t *testing.T) {
	page, _ := newRunPage(kvmExitHlt)

	exit, err := decodeExit(page)
	require.NoError(t, err)
	assert.Equal(t, hv.Halt{}, exit)
}

func TestDecodeIo(t *testing.T) {
	page, run := newRunPage(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
	io.direction = kvmExitIoOut
	io.size = 1
	io.count = 1
	io.port = 0x3f8
	io.dataOffset = 0xc00
	page[0xc00] = 0x35

	exit, err := decodeExit(page)
	require.NoError(t, err)
	assert.Equal(t, hv.IoOut{Port: 0x3f8, Data: []byte{0x35}}, exit)

	// IoOut data is a copy.
	page[0xc00] = 0
	assert.Equal(t, byte(0x35), exit.(hv.IoOut).Data[0])

	io.direction = kvmExitIoIn
	exit, err = decodeExit(page)
	require.NoError(t, err)
	in, ok := exit.(hv.IoIn)
	require.True(t, ok)
	assert.Equal(t, uint16(0x3f8), in.Port)

	// IoIn data aliases the page so the response reaches the guest.
	in.Data[0] = 0x42
	assert.Equal(t, byte(0x42), page[0xc00])
}

func TestDecodeIoOutsidePage(t *testing.T) {
	page, run := newRunPage(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
	io.size = 4
	io.count = 2
	io.dataOffset = 4090

	_, err := decodeExit(page)
	assert.ErrorIs(t, err, hv.ErrRun)
}

func TestDecodeMmio(t *testing.T) {
	page, run := newRunPage(kvmExitMmio)
	mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
	mmio.physAddr = 0x8000
	mmio.len = 1
	mmio.isWrite = 1
	mmio.data[0] = 0x00

	exit, err := decodeExit(page)
	require.NoError(t, err)
	assert.Equal(t, hv.MmioWrite{Address: 0x8000, Data: []byte{0}}, exit)

	mmio.isWrite = 0
	mmio.len = 2
	exit, err = decodeExit(page)
	require.NoError(t, err)
	assert.Equal(t, hv.MmioRead{Address: 0x8000, Length: 2}, exit)
}

func TestDecodeUnexpected(t *testing.T) {
	page, _ := newRunPage(kvmExitShutdown)

	exit, err := decodeExit(page)
	require.NoError(t, err)
	assert.Equal(t, hv.Unexpected{RawCode: 8, Reason: "KVM_EXIT_SHUTDOWN"}, exit)

	page, run := newRunPage(kvmExitInternalError)
	ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
	ie.Suberror = internalErrorEmulation

	exit, err = decodeExit(page)
	require.NoError(t, err)
	assert.Equal(t, hv.Unexpected{
		RawCode: 17,
		Reason:  "KVM_EXIT_INTERNAL_ERROR: KVM_INTERNAL_ERROR_EMULATION",
	}, exit)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := decodeExit(make([]byte, 16))
	assert.ErrorIs(t, err, hv.ErrRun)
}
