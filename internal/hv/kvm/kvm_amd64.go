//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/timeslice"
	"golang.org/x/sys/unix"
)

var regularRegisters = map[hv.Register]func(*kvmRegs) *uint64{
	hv.RegisterAMD64Rax:    func(r *kvmRegs) *uint64 { return &r.Rax },
	hv.RegisterAMD64Rbx:    func(r *kvmRegs) *uint64 { return &r.Rbx },
	hv.RegisterAMD64Rcx:    func(r *kvmRegs) *uint64 { return &r.Rcx },
	hv.RegisterAMD64Rdx:    func(r *kvmRegs) *uint64 { return &r.Rdx },
	hv.RegisterAMD64Rsi:    func(r *kvmRegs) *uint64 { return &r.Rsi },
	hv.RegisterAMD64Rdi:    func(r *kvmRegs) *uint64 { return &r.Rdi },
	hv.RegisterAMD64Rsp:    func(r *kvmRegs) *uint64 { return &r.Rsp },
	hv.RegisterAMD64Rbp:    func(r *kvmRegs) *uint64 { return &r.Rbp },
	hv.RegisterAMD64R8:     func(r *kvmRegs) *uint64 { return &r.R8 },
	hv.RegisterAMD64R9:     func(r *kvmRegs) *uint64 { return &r.R9 },
	hv.RegisterAMD64R10:    func(r *kvmRegs) *uint64 { return &r.R10 },
	hv.RegisterAMD64R11:    func(r *kvmRegs) *uint64 { return &r.R11 },
	hv.RegisterAMD64R12:    func(r *kvmRegs) *uint64 { return &r.R12 },
	hv.RegisterAMD64R13:    func(r *kvmRegs) *uint64 { return &r.R13 },
	hv.RegisterAMD64R14:    func(r *kvmRegs) *uint64 { return &r.R14 },
	hv.RegisterAMD64R15:    func(r *kvmRegs) *uint64 { return &r.R15 },
	hv.RegisterAMD64Rip:    func(r *kvmRegs) *uint64 { return &r.Rip },
	hv.RegisterAMD64Rflags: func(r *kvmRegs) *uint64 { return &r.Rflags },
}

func applyRegisters(dst *kvmRegs, regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		field, ok := regularRegisters[reg]
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
		v, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: register %v: unsupported value type %T", reg, value)
		}
		*field(dst) = uint64(v)
	}
	return nil
}

func segmentDescriptor(s kvmSegment) hv.SegmentDescriptor {
	return hv.SegmentDescriptor{Base: s.Base, Limit: s.Limit, Selector: s.Selector}
}

// refreshSnapshot records regs and, when non-nil, the segment state of sregs.
func (v *virtualCPU) refreshSnapshot(regs *kvmRegs, sregs *kvmSRegs) {
	snap := make(map[hv.Register]hv.RegisterValue, len(regularRegisters))
	for reg, field := range regularRegisters {
		snap[reg] = hv.Register64(*field(regs))
	}
	v.snapshot.Registers = snap

	if sregs != nil {
		v.snapshot.CS = segmentDescriptor(sregs.Cs)
		v.snapshot.DS = segmentDescriptor(sregs.Ds)
		v.snapshot.ES = segmentDescriptor(sregs.Es)
		v.snapshot.FS = segmentDescriptor(sregs.Fs)
		v.snapshot.GS = segmentDescriptor(sregs.Gs)
		v.snapshot.SS = segmentDescriptor(sregs.Ss)
	}
}

var tsKvmInitRegisters = timeslice.RegisterKind("kvm_init_registers", 0)

// InitRegisters implements hv.VirtualCPU. The vCPU stays in real mode with a
// flat code segment so the entry point is also the linear address.
func (v *virtualCPU) InitRegisters(initial hv.InitialRegisters) error {
	for _, reg := range []hv.Register{hv.RegisterAMD64Rip, hv.RegisterAMD64Rflags} {
		if _, ok := initial.General[reg]; ok {
			return fmt.Errorf("kvm: %v is set from the entry point and flags, not General", reg)
		}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cs.Base = 0
	sregs.Cs.Selector = 0

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	regs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	regs.Rip = initial.EntryPoint
	if err := applyRegisters(&regs, initial.General); err != nil {
		return err
	}
	regs.Rflags = initial.Flags

	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	v.refreshSnapshot(&regs, &sregs)

	v.rec.Record(tsKvmInitRegisters)

	return nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	regularRegs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	if err := applyRegisters(&regularRegs, regs); err != nil {
		return err
	}

	if err := setRegisters(v.fd, &regularRegs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	v.refreshSnapshot(&regularRegs, nil)

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg := range regs {
		if _, ok := regularRegisters[reg]; !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	regularRegs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg := range regs {
		regs[reg] = hv.Register64(*regularRegisters[reg](&regularRegs))
	}

	v.refreshSnapshot(&regularRegs, nil)

	return nil
}

// RunOnce implements hv.VirtualCPU. Cancelling ctx kicks the vCPU out of
// KVM_RUN; any other EINTR is retried.
func (v *virtualCPU) RunOnce(ctx context.Context) (hv.ExitEvent, error) {
	if v.run == nil {
		return nil, fmt.Errorf("kvm: run vCPU %d after close: %w", v.id, hv.ErrRun)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kvm: run vCPU %d: %w: %w", v.id, hv.ErrRun, err)
	}

	// The kick signal targets this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	tid := unix.Gettid()
	stopNotify := context.AfterFunc(ctx, func() {
		_ = v.RequestImmediateExit(tid)
	})
	defer stopNotify()

	v.rec.Record(tsKvmHostTime)

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("kvm: run vCPU %d: %w: %w", v.id, hv.ErrRun, ctxErr)
			}

			continue
		} else if err != nil {
			return nil, fmt.Errorf("kvm: run vCPU %d: %w: %w", v.id, hv.ErrRun, err)
		}

		break
	}

	v.rec.Record(tsKvmGuestTime)

	return decodeExit(v.run)
}

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	// Intel hosts without unrestricted guest need a TSS to emulate real mode.
	if err := setTSSAddr(vm.vmFd, 0xfffbd000); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpu *virtualCPU) error {
	cpuId, err := getSupportedCpuId(hv.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpu.fd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
