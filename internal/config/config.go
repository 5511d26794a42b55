// Package config describes the guest workload a run executes.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tinyrange/minivm/internal/hv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "minivm.yaml"

	DefaultMemorySize = 0x4000
	DefaultMemoryBase = 0x1000

	// DefaultProgram adds rax and rbx, prints the sum as an ASCII digit on
	// port 0x3f8, reads the port back, writes and reads MMIO at 0x8000 and
	// halts.
	DefaultProgram = "ba f8 03 00 d8 04 30 ee ec c6 06 00 80 00 8a 16 00 80 f4"

	// rflags bit 1 is reserved and always set.
	rflagsReserved = 0x2
)

// Workload is the on-disk description of a single-vCPU run.
type Workload struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	Memory  MemoryConfig  `yaml:"memory"`
	Program ProgramConfig `yaml:"program"`

	// Registers maps lower-case general register names to initial values.
	Registers map[string]uint64 `yaml:"registers,omitempty"`
	Flags     uint64            `yaml:"rflags"`

	Check CheckConfig `yaml:"check"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MemoryConfig is the primary region. Leaving both fields zero selects the
// defaults.
type MemoryConfig struct {
	Size uint64 `yaml:"size"`
	Base uint64 `yaml:"base"`
}

type ProgramConfig struct {
	// Code is hex, optionally split by whitespace.
	Code   string `yaml:"code"`
	Offset uint64 `yaml:"offset,omitempty"`
}

type CheckConfig struct {
	Slot               uint32 `yaml:"slot"`
	ExpectedDirtyPages *uint  `yaml:"expectedDirtyPages,omitempty"`
}

func (w *Workload) normalize() {
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Name == "" {
		w.Name = "add-and-print"
	}
	if w.Memory == (MemoryConfig{}) {
		w.Memory = MemoryConfig{Size: DefaultMemorySize, Base: DefaultMemoryBase}
	}
	if strings.TrimSpace(w.Program.Code) == "" {
		w.Program.Code = DefaultProgram
		if w.Registers == nil {
			w.Registers = map[string]uint64{"rax": 2, "rbx": 3}
		}
	}
	w.Flags |= rflagsReserved
	if w.Check.ExpectedDirtyPages == nil {
		one := uint(1)
		w.Check.ExpectedDirtyPages = &one
	}
}

// Default returns the add-and-print workload.
func Default() Workload {
	var w Workload
	w.normalize()
	return w
}

// Code decodes the program bytes.
func (w Workload) Code() ([]byte, error) {
	code, err := hex.DecodeString(strings.Join(strings.Fields(w.Program.Code), ""))
	if err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	if len(code) == 0 {
		return nil, errors.New("program is empty")
	}
	return code, nil
}

// EntryPoint is the guest-physical address of the first program byte.
func (w Workload) EntryPoint() uint64 {
	return w.Memory.Base + w.Program.Offset
}

func (w Workload) ExpectedDirtyPages() uint {
	if w.Check.ExpectedDirtyPages == nil {
		return 0
	}
	return *w.Check.ExpectedDirtyPages
}

func (w Workload) VMConfig() hv.SimpleVMConfig {
	return hv.SimpleVMConfig{MemSize: w.Memory.Size, MemBase: w.Memory.Base}
}

// InitialRegisters resolves the register names of the workload.
func (w Workload) InitialRegisters() (hv.InitialRegisters, error) {
	general := make(map[hv.Register]hv.RegisterValue, len(w.Registers))
	for name, value := range w.Registers {
		reg, ok := hv.RegisterByName(strings.ToLower(name))
		if !ok {
			return hv.InitialRegisters{}, fmt.Errorf("unknown register %q", name)
		}
		if reg == hv.RegisterAMD64Rip || reg == hv.RegisterAMD64Rflags {
			return hv.InitialRegisters{}, fmt.Errorf("register %q is derived from the program offset and rflags", name)
		}
		general[reg] = hv.Register64(value)
	}

	return hv.InitialRegisters{
		EntryPoint: w.EntryPoint(),
		General:    general,
		Flags:      w.Flags,
	}, nil
}

// Validate checks everything that can be checked without a hypervisor.
func (w Workload) Validate() error {
	if w.Memory.Size == 0 {
		return errors.New("memory size must be non-zero")
	}
	if w.Memory.Size%hv.GuestPageSize != 0 || w.Memory.Base%hv.GuestPageSize != 0 {
		return fmt.Errorf("memory [0x%x, +0x%x) is not page aligned", w.Memory.Base, w.Memory.Size)
	}
	if _, err := w.Code(); err != nil {
		return err
	}
	if _, err := w.InitialRegisters(); err != nil {
		return err
	}
	if w.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", w.Timeout)
	}
	return nil
}

// Decode parses a workload document. An empty document is the default
// workload.
func Decode(r io.Reader) (Workload, error) {
	var w Workload

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil && !errors.Is(err, io.EOF) {
		return Workload{}, fmt.Errorf("parse workload: %w", err)
	}

	w.normalize()
	return w, nil
}

func Load(path string) (Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Workload{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w, err := Decode(f)
	if err != nil {
		return Workload{}, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Encode writes w, with defaults filled in, as YAML.
func Encode(out io.Writer, w Workload) error {
	w.normalize()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&w); err != nil {
		return fmt.Errorf("encode workload: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close workload encoder: %w", err)
	}
	return nil
}

// WriteTemplate writes w to path.
func WriteTemplate(path string, w Workload) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := Encode(f, w); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// Overrides are read from MINIVM_* environment variables and take precedence
// over the workload file.
type Overrides struct {
	MemorySize         *uint64       `env:"MEMORY_SIZE"`
	MemoryBase         *uint64       `env:"MEMORY_BASE"`
	Program            string        `env:"PROGRAM"`
	ProgramOffset      *uint64       `env:"PROGRAM_OFFSET"`
	ExpectedDirtyPages *uint         `env:"EXPECTED_DIRTY_PAGES"`
	Timeout            time.Duration `env:"TIMEOUT"`
}

const EnvPrefix = "MINIVM_"

// ParseOverrides reads overrides from environ, or from the process
// environment when environ is nil.
func ParseOverrides(environ map[string]string) (Overrides, error) {
	o, err := env.ParseAsWithOptions[Overrides](env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	})
	if err != nil {
		return Overrides{}, fmt.Errorf("parse %s environment: %w", EnvPrefix, err)
	}
	return o, nil
}

// Apply returns w with the set overrides applied.
func (o Overrides) Apply(w Workload) Workload {
	if o.MemorySize != nil {
		w.Memory.Size = *o.MemorySize
	}
	if o.MemoryBase != nil {
		w.Memory.Base = *o.MemoryBase
	}
	if o.Program != "" {
		w.Program.Code = o.Program
	}
	if o.ProgramOffset != nil {
		w.Program.Offset = *o.ProgramOffset
	}
	if o.ExpectedDirtyPages != nil {
		n := *o.ExpectedDirtyPages
		w.Check.ExpectedDirtyPages = &n
	}
	if o.Timeout != 0 {
		w.Timeout = o.Timeout
	}
	return w
}
