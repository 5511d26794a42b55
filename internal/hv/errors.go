package hv

import (
	"errors"
	"fmt"
)

// Error kinds returned by hypervisor backends. Backends wrap these with the
// underlying errno so both errors.Is(err, ErrX) and errors.Is(err, unix.EPERM)
// hold.
var (
	// ErrAccess means the virtualization device is absent or permission was denied.
	ErrAccess = errors.New("hypervisor device unavailable")

	// ErrUnsupported means the backend reports an interface version below the
	// minimum, or the operation is not available on this architecture.
	ErrUnsupported = errors.New("hypervisor unsupported")

	ErrMemoryMap          = errors.New("guest memory mapping failed")
	ErrRegionRegistration = errors.New("guest memory region registration failed")
	ErrOutOfBounds        = errors.New("access outside guest memory region")
	ErrResourceExhausted  = errors.New("hypervisor resource exhausted")

	// ErrRun is a vCPU execution failure that is not a recognized exit.
	ErrRun = errors.New("vCPU run failed")

	ErrHypervisorUnsupported = fmt.Errorf("hypervisor unsupported on this platform: %w", ErrUnsupported)
)

// UnexpectedExitError carries the raw exit reason of an exit outside the
// handled set.
type UnexpectedExitError struct {
	RawCode uint32
	Reason  string
}

func (e *UnexpectedExitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unexpected exit reason %s (%d)", e.Reason, e.RawCode)
	}
	return fmt.Sprintf("unexpected exit reason %d", e.RawCode)
}

// DirtyPageMismatchError reports that the dirty-page log of a region did not
// hold the expected number of set bits after an MMIO write.
type DirtyPageMismatchError struct {
	Slot    uint32
	Address uint64
	Want    uint
	Got     uint
}

func (e *DirtyPageMismatchError) Error() string {
	return fmt.Sprintf("dirty page mismatch on slot %d after MMIO write to 0x%x: want %d pages, got %d",
		e.Slot, e.Address, e.Want, e.Got)
}
