//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/hv/guestmem"
	"github.com/tinyrange/minivm/internal/timeslice"
	"golang.org/x/sys/unix"
)

var (
	tsKvmHostTime  = timeslice.RegisterKind("kvm_host_time", 0)
	tsKvmGuestTime = timeslice.RegisterKind("kvm_guest_time", timeslice.SliceFlagGuestTime)
)

type virtualCPU struct {
	rec *timeslice.Recorder

	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	snapshot hv.RegisterSnapshot
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) Snapshot() hv.RegisterSnapshot {
	snap := v.snapshot
	snap.Registers = maps.Clone(v.snapshot.Registers)
	return snap
}

// RequestImmediateExit makes a KVM_RUN in progress on thread tid return with
// EINTR, or the next one if none is in progress.
func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// set immediate_exit to request vCPU exit
	run.immediate_exit = 1

	// send signal to the vCPU thread to interrupt it
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

func (v *virtualCPU) close() error {
	var errs []error
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap vCPU %d kvm_run: %w", v.id, err))
		}
		v.run = nil
	}
	if v.fd >= 0 {
		if err := unix.Close(v.fd); err != nil {
			errs = append(errs, fmt.Errorf("kvm: close vCPU %d fd: %w", v.id, err))
		}
		v.fd = -1
	}
	return errors.Join(errs...)
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type memoryRegion struct {
	ram           hv.RAMRegion
	mem           *guestmem.Mapping
	dirtyTracking bool
}

// implements hv.MemoryRegion.
func (m *memoryRegion) Slot() uint32          { return m.ram.Slot }
func (m *memoryRegion) GuestPhysAddr() uint64 { return m.ram.Base }
func (m *memoryRegion) Size() uint64          { return m.ram.Size }
func (m *memoryRegion) DirtyTracking() bool   { return m.dirtyTracking }

func (m *memoryRegion) ReadAt(p []byte, off int64) (n int, err error) {
	return m.mem.ReadAt(p, off)
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (n int, err error) {
	return m.mem.WriteAt(p, off)
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type virtualMachine struct {
	rec *timeslice.Recorder

	hv         *hypervisor
	vmFd       int
	maxSlots   int
	entryPoint uint64

	memMu        sync.RWMutex
	addressSpace *hv.AddressSpace
	regions      map[uint32]*memoryRegion
	primary      *memoryRegion

	vcpus map[int]*virtualCPU
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) EntryPoint() uint64        { return v.entryPoint }

func (v *virtualMachine) MemoryBase() uint64 {
	if v.primary == nil {
		return 0
	}
	return v.primary.GuestPhysAddr()
}

func (v *virtualMachine) MemorySize() uint64 {
	if v.primary == nil {
		return 0
	}
	return v.primary.Size()
}

// Regions returns the registered regions ordered by slot.
func (v *virtualMachine) Regions() []hv.MemoryRegion {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	var ret []hv.MemoryRegion
	for _, slot := range slices.Sorted(maps.Keys(v.regions)) {
		ret = append(ret, v.regions[slot])
	}
	return ret
}

var (
	tsKvmMmapGuestMemory     = timeslice.RegisterKind("kvm_mmap_guest_memory", 0)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", 0)
	tsKvmLoadProgram         = timeslice.RegisterKind("kvm_load_program", 0)
	tsKvmGetDirtyLog         = timeslice.RegisterKind("kvm_get_dirty_log", 0)
)

// AddMemoryRegion implements hv.VirtualMachine.
func (v *virtualMachine) AddMemoryRegion(base, size uint64, dirtyTracking bool) (hv.MemoryRegion, error) {
	v.memMu.Lock()
	defer v.memMu.Unlock()

	return v.addMemoryRegion(base, size, dirtyTracking)
}

func (v *virtualMachine) addMemoryRegion(base, size uint64, dirtyTracking bool) (*memoryRegion, error) {
	if v.vmFd < 0 {
		return nil, fmt.Errorf("kvm: add memory region after close")
	}
	if v.maxSlots > 0 && len(v.regions) >= v.maxSlots {
		return nil, fmt.Errorf("kvm: all %d memory slots in use: %w", v.maxSlots, hv.ErrResourceExhausted)
	}

	mem, err := guestmem.Map(size)
	if err != nil {
		return nil, fmt.Errorf("kvm: allocate guest memory: %w", err)
	}

	v.rec.Record(tsKvmMmapGuestMemory)

	ram, err := v.addressSpace.Reserve(base, size)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("kvm: %w: %w", hv.ErrRegionRegistration, err),
			mem.Close(),
		)
	}

	var flags uint32
	if dirtyTracking {
		flags |= kvmMemLogDirtyPages
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          ram.Slot,
		Flags:         flags,
		GuestPhysAddr: ram.Base,
		MemorySize:    ram.Size,
		UserspaceAddr: mem.HostAddr(),
	}); err != nil {
		v.addressSpace.Release(ram.Slot)
		return nil, errors.Join(
			fmt.Errorf("kvm: set user memory region slot %d: %w: %w", ram.Slot, hv.ErrRegionRegistration, err),
			mem.Close(),
		)
	}

	v.rec.Record(tsKvmSetUserMemoryRegion)

	region := &memoryRegion{ram: ram, mem: mem, dirtyTracking: dirtyTracking}
	v.regions[ram.Slot] = region

	slog.Debug("kvm: registered memory region",
		"slot", ram.Slot,
		"base", fmt.Sprintf("0x%x", ram.Base),
		"size", ram.Size,
		"dirty_tracking", dirtyTracking)

	return region, nil
}

// LoadProgram implements hv.VirtualMachine.
func (v *virtualMachine) LoadProgram(code []byte, offset uint64) error {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	if v.primary == nil {
		return fmt.Errorf("kvm: load program after close")
	}
	if !hv.InBounds(offset, uint64(len(code)), v.primary.Size()) {
		return fmt.Errorf("kvm: load %d bytes at offset 0x%x into 0x%x byte region: %w",
			len(code), offset, v.primary.Size(), hv.ErrOutOfBounds)
	}

	if _, err := v.primary.WriteAt(code, int64(offset)); err != nil {
		return fmt.Errorf("kvm: load program: %w", err)
	}

	v.rec.Record(tsKvmLoadProgram)

	return nil
}

// DirtyPages implements hv.DirtyPageLog. KVM_GET_DIRTY_LOG hands back the
// pages written since the previous call for the slot.
func (v *virtualMachine) DirtyPages(slot uint32) (*bitset.BitSet, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	region, ok := v.regions[slot]
	if !ok {
		return nil, fmt.Errorf("kvm: no memory region in slot %d: %w", slot, hv.ErrRegionRegistration)
	}
	if !region.dirtyTracking {
		return nil, fmt.Errorf("kvm: slot %d does not log dirty pages: %w", slot, hv.ErrRegionRegistration)
	}

	pages := (region.Size() + hv.GuestPageSize - 1) / hv.GuestPageSize
	words := make([]uint64, (pages+63)/64)

	if err := getDirtyLog(v.vmFd, slot, words); err != nil {
		return nil, fmt.Errorf("kvm: get dirty log for slot %d: %w", slot, err)
	}

	v.rec.Record(tsKvmGetDirtyLog)

	return bitset.From(words), nil
}

func (v *virtualMachine) regionFor(gpa uint64, n int) (*memoryRegion, int64, error) {
	ram, ok := v.addressSpace.Lookup(gpa)
	if !ok {
		return nil, 0, fmt.Errorf("kvm: GPA 0x%x is not backed by guest memory: %w", gpa, hv.ErrOutOfBounds)
	}
	off := gpa - ram.Base
	if !hv.InBounds(off, uint64(n), ram.Size) {
		return nil, 0, fmt.Errorf("kvm: access [0x%x+0x%x) crosses the end of slot %d: %w", gpa, n, ram.Slot, hv.ErrOutOfBounds)
	}
	return v.regions[ram.Slot], int64(off), nil
}

// ReadAt reads guest-physical memory; off is a GPA.
func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	region, regionOff, err := v.regionFor(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return region.ReadAt(p, regionOff)
}

// WriteAt writes guest-physical memory; off is a GPA.
func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	region, regionOff, err := v.regionFor(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return region.WriteAt(p, regionOff)
}

var (
	tsKvmCreateVCPU   = timeslice.RegisterKind("kvm_create_vcpu", 0)
	tsKvmMmapVCPU     = timeslice.RegisterKind("kvm_mmap_vcpu", 0)
	tsKvmArchVCPUInit = timeslice.RegisterKind("kvm_arch_vcpu_init", 0)
)

// CreateVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) CreateVirtualCPU(id int) (hv.VirtualCPU, error) {
	if v.vmFd < 0 {
		return nil, fmt.Errorf("kvm: create vCPU after close")
	}
	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("kvm: vCPU %d already exists: %w", id, hv.ErrResourceExhausted)
	}
	if maxVCPUs, err := checkExtension(v.hv.fd, kvmCapMaxVcpus); err == nil && maxVCPUs > 0 && (id < 0 || id >= maxVCPUs) {
		return nil, fmt.Errorf("kvm: vCPU id %d outside [0, %d): %w", id, maxVCPUs, hv.ErrResourceExhausted)
	}

	mmapSize, err := v.hv.vcpuMmapSize()
	if err != nil {
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w: %w", id, hv.ErrResourceExhausted, err)
	}

	v.rec.Record(tsKvmCreateVCPU)

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w: %w", id, hv.ErrResourceExhausted, err)
	}

	v.rec.Record(tsKvmMmapVCPU)

	vcpu := &virtualCPU{
		rec: timeslice.NewRecorder(),
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
	}

	if err := v.hv.archVCPUInit(v, vcpu); err != nil {
		return nil, errors.Join(fmt.Errorf("kvm: initialize vCPU %d: %w", id, err), vcpu.close())
	}

	v.rec.Record(tsKvmArchVCPUInit)

	v.vcpus[id] = vcpu

	slog.Debug("kvm: created vCPU", "id", id, "run_size", mmapSize)

	return vcpu, nil
}

// Close releases every vCPU, every memory region and the VM fd. It is safe
// to call more than once.
func (v *virtualMachine) Close() error {
	v.memMu.Lock()
	defer v.memMu.Unlock()

	if v.vmFd < 0 {
		return nil
	}

	var errs []error

	for _, id := range slices.Sorted(maps.Keys(v.vcpus)) {
		if err := v.vcpus[id].close(); err != nil {
			errs = append(errs, err)
		}
	}
	v.vcpus = nil

	// Drop the slots before unmapping so the kernel never sees a stale
	// userspace address.
	if err := unix.Close(v.vmFd); err != nil {
		errs = append(errs, fmt.Errorf("kvm: close vm fd: %w", err))
	}
	v.vmFd = -1

	for _, slot := range slices.Sorted(maps.Keys(v.regions)) {
		if err := v.regions[slot].mem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kvm: release slot %d: %w", slot, err))
		}
		v.addressSpace.Release(slot)
	}
	v.regions = nil
	v.primary = nil

	runtime.SetFinalizer(v, nil)

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd      int
	version int

	mmapSizeOnce sync.Once
	mmapSize     int
	mmapSizeErr  error
}

func (h *hypervisor) APIVersion() int { return h.version }

func (h *hypervisor) vcpuMmapSize() (int, error) {
	h.mmapSizeOnce.Do(func() {
		h.mmapSize, h.mmapSizeErr = getVcpuMmapSize(h.fd)
	})
	return h.mmapSize, h.mmapSizeErr
}

func (h *hypervisor) Close() error {
	if h.fd < 0 {
		return nil
	}
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	h.fd = -1

	return nil
}

var (
	tsKvmPreInit    = timeslice.RegisterKind("kvm_pre_init", 0)
	tsKvmCreateVm   = timeslice.RegisterKind("kvm_create_vm", 0)
	tsKvmArchVMInit = timeslice.RegisterKind("kvm_arch_vm_init", 0)
)

// NewVirtualMachine implements hv.Hypervisor. The VM starts with one region in
// slot 0 covering [MemoryBase, MemoryBase+MemorySize) with dirty-page logging
// enabled; the guest entry point is MemoryBase.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	vm := &virtualMachine{
		hv:           h,
		rec:          timeslice.NewRecorder(),
		addressSpace: hv.NewAddressSpace(),
		regions:      make(map[uint32]*memoryRegion),
		vcpus:        make(map[int]*virtualCPU),
	}

	vm.rec.Record(tsKvmPreInit)

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w: %w", hv.ErrResourceExhausted, err)
	}

	vm.rec.Record(tsKvmCreateVm)

	vm.vmFd = vmFd

	if slots, err := checkExtension(h.fd, kvmCapNrMemslots); err == nil {
		vm.maxSlots = slots
	}

	if err := h.archVMInit(vm); err != nil {
		return nil, errors.Join(fmt.Errorf("initialize VM: %w", err), vm.Close())
	}

	vm.rec.Record(tsKvmArchVMInit)

	primary, err := vm.addMemoryRegion(config.MemoryBase(), config.MemorySize(), true)
	if err != nil {
		return nil, errors.Join(err, vm.Close())
	}
	vm.primary = primary
	vm.entryPoint = config.MemoryBase()

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open acquires /dev/kvm and validates its API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w: %w", hv.ErrAccess, err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w: %w", hv.ErrAccess, err)
	}
	if version < kvmMinApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: API version %d below minimum %d: %w", version, kvmMinApiVersion, hv.ErrUnsupported)
	}

	return &hypervisor{fd: fd, version: version}, nil
}
