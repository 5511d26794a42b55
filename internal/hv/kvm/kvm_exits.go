//go:build linux

package kvm

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/tinyrange/minivm/internal/hv"
)

// decodeExit turns the exit recorded in a kvm_run page into an hv.ExitEvent.
// IoIn.Data aliases the page so a handler can fill the value the guest reads
// on the next KVM_RUN; every other payload is copied.
func decodeExit(run []byte) (hv.ExitEvent, error) {
	if len(run) < int(unsafe.Sizeof(kvmRunData{})) {
		return nil, fmt.Errorf("kvm: kvm_run page of %d bytes is truncated: %w", len(run), hv.ErrRun)
	}

	data := (*kvmRunData)(unsafe.Pointer(&run[0]))
	reason := kvmExitReason(data.exit_reason)

	switch reason {
	case kvmExitHlt:
		return hv.Halt{}, nil
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))

		n := uint64(io.size) * uint64(io.count)
		if !hv.InBounds(io.dataOffset, n, uint64(len(run))) {
			return nil, fmt.Errorf("kvm: I/O exit data [0x%x+%d) outside kvm_run: %w", io.dataOffset, n, hv.ErrRun)
		}
		buf := run[io.dataOffset : io.dataOffset+n]

		if io.direction == kvmExitIoOut {
			return hv.IoOut{Port: io.port, Data: slices.Clone(buf)}, nil
		}
		return hv.IoIn{Port: io.port, Data: buf}, nil
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&data.anon0[0]))

		if mmio.isWrite == 0 {
			return hv.MmioRead{Address: mmio.physAddr, Length: mmio.len}, nil
		}
		n := min(int(mmio.len), len(mmio.data))
		return hv.MmioWrite{Address: mmio.physAddr, Data: slices.Clone(mmio.data[:n])}, nil
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&data.anon0[0]))

		return hv.Unexpected{
			RawCode: uint32(reason),
			Reason:  fmt.Sprintf("%s: %s", reason, ie.Suberror),
		}, nil
	case kvmExitFailEntry:
		fe := (*kvmExitFailEntryData)(unsafe.Pointer(&data.anon0[0]))

		return hv.Unexpected{
			RawCode: uint32(reason),
			Reason:  fmt.Sprintf("%s: hardware reason 0x%x on cpu %d", reason, fe.hardwareEntryFailureReason, fe.cpu),
		}, nil
	default:
		return hv.Unexpected{RawCode: uint32(reason), Reason: reason.String()}, nil
	}
}
