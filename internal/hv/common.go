package hv

import (
	"context"
	"io"

	"github.com/bits-and-blooms/bitset"
)

// GuestPageSize is the granularity of the dirty-page log.
const GuestPageSize = 0x1000

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return "invalid"
}

// RegisterByName resolves a lower-case register name such as "rax".
func RegisterByName(name string) (Register, bool) {
	for reg, n := range registerNames {
		if n == name {
			return reg, true
		}
	}
	return RegisterInvalid, false
}

// SegmentDescriptor is the subset of a segment register tracked in a
// RegisterSnapshot.
type SegmentDescriptor struct {
	Base     uint64
	Limit    uint32
	Selector uint16
}

// RegisterSnapshot is the last register state written to or read from a vCPU.
type RegisterSnapshot struct {
	Registers map[Register]RegisterValue

	CS, DS, ES, FS, GS, SS SegmentDescriptor
}

// InitialRegisters is the register state applied before the first run: the
// instruction pointer is set to EntryPoint, code segment base and selector are
// zeroed (flat addressing), General is applied as-is and the flags register is
// set to Flags.
type InitialRegisters struct {
	EntryPoint uint64
	General    map[Register]RegisterValue
	Flags      uint64
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	// InitRegisters is implemented for x86_64 only; other architectures
	// return ErrUnsupported.
	InitRegisters(initial InitialRegisters) error

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error
	Snapshot() RegisterSnapshot

	// RunOnce blocks until the guest exits and returns the decoded exit.
	RunOnce(ctx context.Context) (ExitEvent, error)
}

// MemoryRegion is host memory registered as guest-physical memory. Offsets
// passed to ReadAt and WriteAt are relative to GuestPhysAddr.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Slot() uint32
	GuestPhysAddr() uint64
	Size() uint64
	DirtyTracking() bool
}

// DirtyPageLog reports which pages of a slot the guest modified since the log
// was last consulted. Whether a query resets the log is backend defined.
type DirtyPageLog interface {
	DirtyPages(slot uint32) (*bitset.BitSet, error)
}

type VirtualMachine interface {
	// ReadAt and WriteAt take guest-physical addresses as offsets.
	io.ReaderAt
	io.WriterAt

	io.Closer

	DirtyPageLog

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64
	EntryPoint() uint64

	Regions() []MemoryRegion
	AddMemoryRegion(base, size uint64, dirtyTracking bool) (MemoryRegion, error)

	// LoadProgram copies code into the primary region at offset. It writes
	// nothing when the code does not fit.
	LoadProgram(code []byte, offset uint64) error

	CreateVirtualCPU(id int) (VirtualCPU, error)
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times.

	MemorySize() uint64
	MemoryBase() uint64
}

type SimpleVMConfig struct {
	MemSize uint64
	MemBase uint64
}

func (c SimpleVMConfig) MemorySize() uint64 { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64 { return c.MemBase }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture
	APIVersion() int

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
