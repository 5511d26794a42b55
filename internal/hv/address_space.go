package hv

import (
	"fmt"
	"sort"
	"sync"
)

// RAMRegion is one guest-physical range backed by host memory.
type RAMRegion struct {
	Slot uint32
	Base uint64
	Size uint64
}

func (r RAMRegion) End() uint64 { return r.Base + r.Size }

func (r RAMRegion) Contains(gpa uint64) bool {
	return gpa >= r.Base && gpa-r.Base < r.Size
}

// AddressSpace tracks the guest-physical ranges registered with a VM and
// guarantees that no address is covered by more than one region.
type AddressSpace struct {
	mu sync.Mutex

	regions  []RAMRegion // sorted by slot
	nextSlot uint32
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// Reserve claims [base, base+size) under the next free slot. The range must be
// page aligned, non-empty, and must not overlap an existing region.
func (a *AddressSpace) Reserve(base, size uint64) (RAMRegion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return RAMRegion{}, fmt.Errorf("address_space: cannot register zero-size region at 0x%x", base)
	}
	if base%GuestPageSize != 0 || size%GuestPageSize != 0 {
		return RAMRegion{}, fmt.Errorf("address_space: region [0x%x+0x%x) is not page aligned", base, size)
	}
	if base+size < base {
		return RAMRegion{}, fmt.Errorf("address_space: region [0x%x+0x%x) wraps the address space", base, size)
	}

	regionEnd := base + size
	for _, r := range a.regions {
		if base < r.End() && regionEnd > r.Base {
			return RAMRegion{}, fmt.Errorf("address_space: region [0x%x-0x%x) overlaps slot %d [0x%x-0x%x)",
				base, regionEnd, r.Slot, r.Base, r.End())
		}
	}

	region := RAMRegion{Slot: a.nextSlot, Base: base, Size: size}
	a.nextSlot++

	a.regions = append(a.regions, region)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].Slot < a.regions[j].Slot })

	return region, nil
}

// Release forgets a slot, used when registration with the backend fails after
// Reserve succeeded.
func (a *AddressSpace) Release(slot uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.regions {
		if r.Slot == slot {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

// Lookup returns the region containing gpa.
func (a *AddressSpace) Lookup(gpa uint64) (RAMRegion, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.regions {
		if r.Contains(gpa) {
			return r, true
		}
	}
	return RAMRegion{}, false
}

// Regions returns a copy of all regions ordered by slot.
func (a *AddressSpace) Regions() []RAMRegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]RAMRegion, len(a.regions))
	copy(result, a.regions)
	return result
}

// InBounds reports whether [off, off+n) lies within [0, size) without
// overflowing.
func InBounds(off, n, size uint64) bool {
	return off <= size && n <= size-off
}
