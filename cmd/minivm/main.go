package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/minivm/internal/config"
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/hv/factory"
	"github.com/tinyrange/minivm/internal/runner"
	"github.com/tinyrange/minivm/internal/timeslice"
	"golang.org/x/term"
)

var tsOpenHypervisor = timeslice.RegisterKind("open_hypervisor", 0)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minivm: %v\n", err)

		var mismatch *hv.DirtyPageMismatchError
		if errors.As(err, &mismatch) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func writeTimeslices(path string, trace *timeslice.Trace) error {
	trace.Stop()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create timeslice file: %w", err)
	}
	if err := trace.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func run() (err error) {
	configPath := flag.String("config", "", "Workload YAML file (default: built-in add-and-print program)")
	writeConfig := flag.String("write-config", "", "Write the effective workload to this file and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	timeout := flag.Duration("timeout", 0, "Abort the guest after this long (overrides the workload)")
	timesliceFile := flag.String("timeslice-file", "", "Write a YAML timing summary to this file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a flat real-mode program in a single-vCPU KVM virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables with the %s prefix override workload fields.\n\n", config.EnvPrefix)
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -write-config %s\n", os.Args[0], config.DefaultFilename)
		fmt.Fprintf(os.Stderr, "  %sPROGRAM=f4 %s -debug\n\n", config.EnvPrefix, os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
		return fmt.Errorf("unexpected arguments: %v", flag.Args())
	}

	log := newLogger(*debug)
	slog.SetDefault(log)

	w := config.Default()
	if *configPath != "" {
		w, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	overrides, err := config.ParseOverrides(nil)
	if err != nil {
		return err
	}
	w = overrides.Apply(w)
	if *timeout > 0 {
		w.Timeout = *timeout
	}

	if *writeConfig != "" {
		if err := config.WriteTemplate(*writeConfig, w); err != nil {
			return err
		}
		log.Info("wrote workload", "path", *writeConfig)
		return nil
	}

	if *timesliceFile != "" {
		trace, err := timeslice.StartRecording()
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, writeTimeslices(*timesliceFile, trace))
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	h, err := factory.OpenWithArchitecture(hv.ArchitectureX86_64)
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	timeslice.Record(tsOpenHypervisor, time.Since(start))

	log.Info("opened hypervisor", "arch", h.Architecture(), "api_version", h.APIVersion())

	report, err := runner.Run(ctx, h, w, runner.Options{Logger: log, Output: os.Stdout})

	log.Info("run finished",
		"run", report.RunID,
		"state", report.State,
		"dirty_pages", report.DirtyPages,
		"duration", report.Duration)

	return err
}
