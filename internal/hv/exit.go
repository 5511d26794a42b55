package hv

import "fmt"

// ExitEvent describes why control returned from the guest. It is produced by
// VirtualCPU.RunOnce and consumed immediately.
type ExitEvent interface {
	isExitEvent()
	String() string
}

// IoIn is a guest port read. Data is the buffer the guest will receive.
type IoIn struct {
	Port uint16
	Data []byte
}

// IoOut is a guest port write.
type IoOut struct {
	Port uint16
	Data []byte
}

type MmioRead struct {
	Address uint64
	Length  uint32
}

type MmioWrite struct {
	Address uint64
	Data    []byte
}

type Halt struct{}

// Unexpected is any exit outside the handled set.
type Unexpected struct {
	RawCode uint32
	Reason  string
}

func (IoIn) isExitEvent()       {}
func (IoOut) isExitEvent()      {}
func (MmioRead) isExitEvent()   {}
func (MmioWrite) isExitEvent()  {}
func (Halt) isExitEvent()       {}
func (Unexpected) isExitEvent() {}

func (e IoIn) String() string {
	return fmt.Sprintf("io-in port=0x%x data=0x%x", e.Port, firstByte(e.Data))
}

func (e IoOut) String() string {
	return fmt.Sprintf("io-out port=0x%x data=0x%x", e.Port, firstByte(e.Data))
}

func (e MmioRead) String() string {
	return fmt.Sprintf("mmio-read addr=0x%x len=%d", e.Address, e.Length)
}

func (e MmioWrite) String() string {
	return fmt.Sprintf("mmio-write addr=0x%x len=%d", e.Address, len(e.Data))
}

func (Halt) String() string { return "halt" }

func (e Unexpected) String() string {
	if e.Reason != "" {
		return fmt.Sprintf("unexpected %s (%d)", e.Reason, e.RawCode)
	}
	return fmt.Sprintf("unexpected (%d)", e.RawCode)
}

func firstByte(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

var (
	_ ExitEvent = IoIn{}
	_ ExitEvent = IoOut{}
	_ ExitEvent = MmioRead{}
	_ ExitEvent = MmioWrite{}
	_ ExitEvent = Halt{}
	_ ExitEvent = Unexpected{}
)
