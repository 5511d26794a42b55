package hv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressSpaceReserve(t *testing.T) {
	a := NewAddressSpace()

	r0, err := a.Reserve(0x1000, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, RAMRegion{Slot: 0, Base: 0x1000, Size: 0x4000}, r0)

	r1, err := a.Reserve(0x10000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r1.Slot)

	assert.Len(t, a.Regions(), 2)
}

func TestAddressSpaceRejectsOverlap(t *testing.T) {
	a := NewAddressSpace()

	_, err := a.Reserve(0x1000, 0x4000)
	require.NoError(t, err)

	for _, tc := range []struct{ base, size uint64 }{
		{0x1000, 0x1000},
		{0x0, 0x2000},
		{0x4000, 0x2000},
		{0x0, 0x10000},
	} {
		_, err := a.Reserve(tc.base, tc.size)
		assert.Error(t, err, "[0x%x+0x%x)", tc.base, tc.size)
	}

	// Adjacent ranges are fine.
	_, err = a.Reserve(0x5000, 0x1000)
	assert.NoError(t, err)
	_, err = a.Reserve(0x0, 0x1000)
	assert.NoError(t, err)
}

func TestAddressSpaceRejectsBadRanges(t *testing.T) {
	a := NewAddressSpace()

	_, err := a.Reserve(0x1000, 0)
	assert.Error(t, err)
	_, err = a.Reserve(0x1001, 0x1000)
	assert.Error(t, err)
	_, err = a.Reserve(0x1000, 0x800)
	assert.Error(t, err)
	_, err = a.Reserve(^uint64(0)&^0xfff, 0x2000)
	assert.Error(t, err)
}

func TestAddressSpaceLookupAndRelease(t *testing.T) {
	a := NewAddressSpace()

	r, err := a.Reserve(0x1000, 0x4000)
	require.NoError(t, err)

	got, ok := a.Lookup(0x4fff)
	require.True(t, ok)
	assert.Equal(t, r, got)

	_, ok = a.Lookup(0x5000)
	assert.False(t, ok)
	_, ok = a.Lookup(0x8000)
	assert.False(t, ok)

	a.Release(r.Slot)
	_, ok = a.Lookup(0x1000)
	assert.False(t, ok)

	// Slots are not reused.
	r2, err := a.Reserve(0x1000, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r2.Slot)
}

func TestInBounds(t *testing.T) {
	assert.True(t, InBounds(0, 0x4000, 0x4000))
	assert.True(t, InBounds(0x4000, 0, 0x4000))
	assert.False(t, InBounds(0x4000, 1, 0x4000))
	assert.False(t, InBounds(1, ^uint64(0), 0x4000))
	assert.False(t, InBounds(^uint64(0), 2, 0x4000))
}

func TestRegisterByName(t *testing.T) {
	reg, ok := RegisterByName("rbx")
	require.True(t, ok)
	assert.Equal(t, RegisterAMD64Rbx, reg)
	assert.Equal(t, "rbx", reg.String())

	_, ok = RegisterByName("x0")
	assert.False(t, ok)
}
