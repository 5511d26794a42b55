package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyrange/minivm/internal/hv"
)

func TestDefault(t *testing.T) {
	w := Default()
	require.NoError(t, w.Validate())

	assert.Equal(t, uint64(0x4000), w.Memory.Size)
	assert.Equal(t, uint64(0x1000), w.Memory.Base)
	assert.Equal(t, uint64(0x2), w.Flags)
	assert.Equal(t, uint(1), w.ExpectedDirtyPages())
	assert.Equal(t, uint64(0x1000), w.EntryPoint())

	code, err := w.Code()
	require.NoError(t, err)
	assert.Len(t, code, 19)
	assert.Equal(t, byte(0xba), code[0])
	assert.Equal(t, byte(0xf4), code[18])

	regs, err := w.InitialRegisters()
	require.NoError(t, err)
	assert.Equal(t, hv.InitialRegisters{
		EntryPoint: 0x1000,
		General: map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rax: hv.Register64(2),
			hv.RegisterAMD64Rbx: hv.Register64(3),
		},
		Flags: 0x2,
	}, regs)
}

func TestDecode(t *testing.T) {
	w, err := Decode(strings.NewReader(`
name: hlt
memory:
  size: 0x2000
  base: 0x10000
program:
  code: "f4"
  offset: 0x10
registers:
  rcx: 7
check:
  expectedDirtyPages: 0
timeout: 2s
`))
	require.NoError(t, err)
	require.NoError(t, w.Validate())

	assert.Equal(t, "hlt", w.Name)
	assert.Equal(t, 1, w.Version)
	assert.Equal(t, MemoryConfig{Size: 0x2000, Base: 0x10000}, w.Memory)
	assert.Equal(t, uint64(0x10010), w.EntryPoint())
	assert.Equal(t, map[string]uint64{"rcx": 7}, w.Registers)
	assert.Equal(t, uint(0), w.ExpectedDirtyPages())
	assert.Equal(t, 2*time.Second, w.Timeout)
	assert.Equal(t, uint64(0x2), w.Flags, "reserved flag bit is forced on")
}

func TestDecodeEmpty(t *testing.T) {
	w, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), w)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("memroy:\n  size: 4096\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(w *Workload)
	}{
		{"bad hex", func(w *Workload) { w.Program.Code = "zz" }},
		{"odd hex", func(w *Workload) { w.Program.Code = "f" }},
		{"unknown register", func(w *Workload) { w.Registers = map[string]uint64{"eax": 1} }},
		{"rip register", func(w *Workload) { w.Registers = map[string]uint64{"rip": 1} }},
		{"unaligned size", func(w *Workload) { w.Memory.Size = 0x1234 }},
		{"zero size", func(w *Workload) { w.Memory.Size = 0 }},
		{"negative timeout", func(w *Workload) { w.Timeout = -time.Second }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			w := Default()
			tt.modify(&w)
			assert.Error(t, w.Validate())
		})
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)

	want := Default()
	want.Timeout = 5 * time.Second
	require.NoError(t, WriteTemplate(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncodeFillsDefaults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Workload{Name: "blank"}))

	w, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "blank", w.Name)
	assert.Equal(t, DefaultProgram, w.Program.Code)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOverrides(t *testing.T) {
	o, err := ParseOverrides(map[string]string{
		"MINIVM_MEMORY_SIZE":          "8192",
		"MINIVM_PROGRAM":              "f4",
		"MINIVM_EXPECTED_DIRTY_PAGES": "0",
		"MINIVM_TIMEOUT":              "3s",
		"UNRELATED":                   "x",
	})
	require.NoError(t, err)

	w := o.Apply(Default())
	assert.Equal(t, uint64(8192), w.Memory.Size)
	assert.Equal(t, uint64(0x1000), w.Memory.Base, "unset override keeps the file value")
	assert.Equal(t, "f4", w.Program.Code)
	assert.Equal(t, uint(0), w.ExpectedDirtyPages())
	assert.Equal(t, 3*time.Second, w.Timeout)
}

func TestOverridesEmpty(t *testing.T) {
	o, err := ParseOverrides(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), o.Apply(Default()))
}

func TestOverridesInvalid(t *testing.T) {
	_, err := ParseOverrides(map[string]string{"MINIVM_MEMORY_SIZE": "lots"})
	assert.Error(t, err)
}
