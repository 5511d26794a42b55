// Package runner executes a workload from hypervisor handle to final exit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tinyrange/minivm/internal/config"
	"github.com/tinyrange/minivm/internal/exitloop"
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/timeslice"
)

var (
	tsRunnerValidate = timeslice.RegisterKind("runner_validate", 0)
	tsRunnerSetup    = timeslice.RegisterKind("runner_setup", 0)
	tsRunnerLoop     = timeslice.RegisterKind("runner_exit_loop", 0)
)

type Options struct {
	Logger *slog.Logger

	// Output receives the bytes the guest writes to I/O ports.
	Output io.Writer
}

// Report summarises a finished run.
type Report struct {
	RunID    string
	Workload string

	State      exitloop.State
	Exits      map[string]uint64
	Output     []byte
	DirtyPages uint

	Duration time.Duration
}

// Run creates a VM on h, loads the workload program, runs vCPU 0 to
// completion and releases the VM. The returned Report is filled in as far as
// the run got even when err is non-nil.
func Run(ctx context.Context, h hv.Hypervisor, w config.Workload, opts Options) (report Report, err error) {
	start := time.Now()
	rec := timeslice.NewRecorder()

	report = Report{
		RunID:    uuid.NewString(),
		Workload: w.Name,
		State:    exitloop.Faulted,
	}
	defer func() { report.Duration = time.Since(start) }()

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("run", report.RunID)

	if err := w.Validate(); err != nil {
		return report, fmt.Errorf("invalid workload %q: %w", w.Name, err)
	}
	code, err := w.Code()
	if err != nil {
		return report, err
	}
	regs, err := w.InitialRegisters()
	if err != nil {
		return report, err
	}

	rec.Record(tsRunnerValidate)

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}

	vm, err := h.NewVirtualMachine(w.VMConfig())
	if err != nil {
		return report, fmt.Errorf("create virtual machine: %w", err)
	}
	defer func() {
		if cerr := vm.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close virtual machine: %w", cerr))
		}
	}()

	log.Info("created virtual machine",
		"memory", humanize.IBytes(vm.MemorySize()),
		"base", fmt.Sprintf("0x%x", vm.MemoryBase()),
		"api_version", h.APIVersion())

	if err := vm.LoadProgram(code, w.Program.Offset); err != nil {
		return report, fmt.Errorf("load program: %w", err)
	}

	log.Info("loaded program",
		"size", humanize.IBytes(uint64(len(code))),
		"entry", fmt.Sprintf("0x%x", w.EntryPoint()))

	vcpu, err := vm.CreateVirtualCPU(0)
	if err != nil {
		return report, fmt.Errorf("create vCPU: %w", err)
	}

	if err := vcpu.InitRegisters(regs); err != nil {
		return report, fmt.Errorf("initialize registers: %w", err)
	}

	log.Info("initialized registers", "entry", fmt.Sprintf("0x%x", regs.EntryPoint), "rflags", fmt.Sprintf("0x%x", regs.Flags))

	rec.Record(tsRunnerSetup)

	loop := exitloop.New(vcpu, exitloop.Config{
		DirtyLog:           vm,
		Slot:               w.Check.Slot,
		ExpectedDirtyPages: w.ExpectedDirtyPages(),
		Logger:             log,
		Observer: func(ev hv.ExitEvent) {
			if out, ok := ev.(hv.IoOut); ok && opts.Output != nil {
				_, _ = opts.Output.Write(out.Data)
			}
		},
	})

	runErr := loop.Run(ctx)

	rec.Record(tsRunnerLoop)

	stats := loop.Stats()
	report.State = loop.State()
	report.Exits = stats.Exits
	report.Output = stats.Output
	report.DirtyPages = stats.DirtyPages

	log.Info("exit loop finished",
		"state", report.State,
		"exits", stats.Total(),
		"output", string(stats.Output))

	if runErr != nil {
		return report, fmt.Errorf("run workload %q: %w", w.Name, runErr)
	}
	return report, nil
}
