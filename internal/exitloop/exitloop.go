// Package exitloop drives a vCPU until the guest halts or faults.
package exitloop

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/tinyrange/minivm/internal/hv"
)

type State int

const (
	Running State = iota
	Halted
	Faulted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind names an exit variant in Stats and log records.
func Kind(ev hv.ExitEvent) string {
	switch ev.(type) {
	case hv.IoIn:
		return "io-in"
	case hv.IoOut:
		return "io-out"
	case hv.MmioRead:
		return "mmio-read"
	case hv.MmioWrite:
		return "mmio-write"
	case hv.Halt:
		return "halt"
	default:
		return "unexpected"
	}
}

type Config struct {
	// DirtyLog is consulted after every MMIO write. Defaults to the vCPU's
	// virtual machine.
	DirtyLog hv.DirtyPageLog

	// Slot whose dirty log is checked.
	Slot uint32

	// ExpectedDirtyPages is the number of set bits required after an MMIO
	// write.
	ExpectedDirtyPages uint

	// Observer, if set, sees every exit before it is applied.
	Observer func(hv.ExitEvent)

	Logger *slog.Logger
}

// Stats counts the exits a Loop has applied.
type Stats struct {
	Exits map[string]uint64

	// Output holds the bytes of every IoOut exit in order.
	Output []byte

	// DirtyPages is the count seen by the last MMIO write check.
	DirtyPages uint
}

func (s Stats) Total() uint64 {
	var n uint64
	for _, c := range s.Exits {
		n += c
	}
	return n
}

// Kinds returns the exit kinds seen, sorted.
func (s Stats) Kinds() []string {
	return slices.Sorted(maps.Keys(s.Exits))
}

type Loop struct {
	vcpu  hv.VirtualCPU
	cfg   Config
	log   *slog.Logger
	state State
	err   error
	stats Stats
}

func New(vcpu hv.VirtualCPU, cfg Config) *Loop {
	if cfg.DirtyLog == nil && vcpu != nil {
		if vm := vcpu.VirtualMachine(); vm != nil {
			cfg.DirtyLog = vm
		}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Loop{
		vcpu:  vcpu,
		cfg:   cfg,
		log:   log,
		state: Running,
		stats: Stats{Exits: make(map[string]uint64)},
	}
}

func (l *Loop) State() State { return l.state }

// Err is the diagnostic carried by a Faulted loop.
func (l *Loop) Err() error { return l.err }

func (l *Loop) Stats() Stats {
	return Stats{
		Exits:      maps.Clone(l.stats.Exits),
		Output:     slices.Clone(l.stats.Output),
		DirtyPages: l.stats.DirtyPages,
	}
}

func (l *Loop) fault(err error) State {
	l.state = Faulted
	l.err = err
	l.log.Error("exit loop faulted", "err", err)
	return l.state
}

// Step applies one exit. It does nothing once the loop has left Running.
func (l *Loop) Step(ev hv.ExitEvent) State {
	if l.state != Running {
		return l.state
	}

	if l.cfg.Observer != nil {
		l.cfg.Observer(ev)
	}

	l.stats.Exits[Kind(ev)]++

	switch ev := ev.(type) {
	case hv.IoIn:
		l.log.Info("guest port read", "port", fmt.Sprintf("0x%x", ev.Port), "data", fmt.Sprintf("0x%02x", firstByte(ev.Data)))
	case hv.IoOut:
		l.stats.Output = append(l.stats.Output, ev.Data...)
		l.log.Info("guest port write", "port", fmt.Sprintf("0x%x", ev.Port), "data", fmt.Sprintf("0x%02x", firstByte(ev.Data)))
	case hv.MmioRead:
		l.log.Info("guest MMIO read", "addr", fmt.Sprintf("0x%x", ev.Address), "len", ev.Length)
	case hv.MmioWrite:
		l.log.Info("guest MMIO write", "addr", fmt.Sprintf("0x%x", ev.Address), "len", len(ev.Data))
		return l.checkDirtyPages(ev)
	case hv.Halt:
		l.state = Halted
		l.log.Info("guest halted")
	case hv.Unexpected:
		return l.fault(&hv.UnexpectedExitError{RawCode: ev.RawCode, Reason: ev.Reason})
	default:
		return l.fault(&hv.UnexpectedExitError{Reason: fmt.Sprintf("%T", ev)})
	}

	return l.state
}

func (l *Loop) checkDirtyPages(ev hv.MmioWrite) State {
	if l.cfg.DirtyLog == nil {
		return l.fault(fmt.Errorf("exitloop: no dirty page log to check slot %d", l.cfg.Slot))
	}

	dirty, err := l.cfg.DirtyLog.DirtyPages(l.cfg.Slot)
	if err != nil {
		return l.fault(fmt.Errorf("exitloop: query dirty pages: %w", err))
	}

	got := dirty.Count()
	l.stats.DirtyPages = got

	if got != l.cfg.ExpectedDirtyPages {
		return l.fault(&hv.DirtyPageMismatchError{
			Slot:    l.cfg.Slot,
			Address: ev.Address,
			Want:    l.cfg.ExpectedDirtyPages,
			Got:     got,
		})
	}

	l.log.Debug("dirty page log matches", "slot", l.cfg.Slot, "pages", got)

	return l.state
}

// Run steps the vCPU until the loop halts or faults. It returns nil on Halted
// and the fault diagnostic otherwise.
func (l *Loop) Run(ctx context.Context) error {
	for l.state == Running {
		ev, err := l.vcpu.RunOnce(ctx)
		if err != nil {
			l.fault(err)
			break
		}
		l.Step(ev)
	}

	if l.state == Faulted {
		return l.err
	}
	return nil
}

func firstByte(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}
