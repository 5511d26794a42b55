// Package guestmem owns the host memory that backs guest-physical RAM.
package guestmem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/tinyrange/minivm/internal/hv"
)

// Mapping is an anonymous, zero-filled, shared host mapping. Reads and writes
// are all-or-nothing: an access that does not fit returns hv.ErrOutOfBounds
// and touches no memory.
type Mapping struct {
	mu   sync.RWMutex
	mem  mmap.MMap
	size uint64
}

// Map allocates size bytes of anonymous shared memory.
func Map(size uint64) (*Mapping, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 {
		return nil, fmt.Errorf("guestmem: size must be greater than 0: %w", hv.ErrMemoryMap)
	}
	if size > maxInt {
		return nil, fmt.Errorf("guestmem: size %d exceeds host address limit: %w", size, hv.ErrMemoryMap)
	}

	mem, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w: %w", size, hv.ErrMemoryMap, err)
	}

	return &Mapping{mem: mem, size: size}, nil
}

func (m *Mapping) Size() uint64 { return m.size }

// HostAddr is the userspace address handed to the hypervisor. It is only valid
// until Close.
func (m *Mapping) HostAddr() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mem == nil {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&m.mem[0])))
}

func (m *Mapping) ReadAt(p []byte, off int64) (n int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mem == nil {
		return 0, fmt.Errorf("guestmem: ReadAt after close")
	}
	if off < 0 || !hv.InBounds(uint64(off), uint64(len(p)), m.size) {
		return 0, fmt.Errorf("guestmem: read [0x%x+0x%x) outside 0x%x bytes: %w", off, len(p), m.size, hv.ErrOutOfBounds)
	}

	return copy(p, m.mem[off:]), nil
}

func (m *Mapping) WriteAt(p []byte, off int64) (n int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.mem == nil {
		return 0, fmt.Errorf("guestmem: WriteAt after close")
	}
	if off < 0 || !hv.InBounds(uint64(off), uint64(len(p)), m.size) {
		return 0, fmt.Errorf("guestmem: write [0x%x+0x%x) outside 0x%x bytes: %w", off, len(p), m.size, hv.ErrOutOfBounds)
	}

	return copy(m.mem[off:], p), nil
}

// Close unmaps the memory. It is safe to call more than once.
func (m *Mapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil

	if err := mem.Unmap(); err != nil {
		return fmt.Errorf("guestmem: munmap: %w", err)
	}
	return nil
}
