package exitloop

import (
	"context"
	"errors"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinyrange/minivm/internal/hv"
)

type fakeDirtyLog struct {
	pages   []uint
	err     error
	queries int
}

func (f *fakeDirtyLog) DirtyPages(slot uint32) (*bitset.BitSet, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	b := bitset.New(4)
	for _, p := range f.pages {
		b.Set(p)
	}
	return b, nil
}

type fakeVCPU struct {
	exits []hv.ExitEvent
	err   error
	runs  int
}

func (f *fakeVCPU) VirtualMachine() hv.VirtualMachine                   { return nil }
func (f *fakeVCPU) ID() int                                             { return 0 }
func (f *fakeVCPU) InitRegisters(hv.InitialRegisters) error             { return nil }
func (f *fakeVCPU) SetRegisters(map[hv.Register]hv.RegisterValue) error { return nil }
func (f *fakeVCPU) GetRegisters(map[hv.Register]hv.RegisterValue) error { return nil }
func (f *fakeVCPU) Snapshot() hv.RegisterSnapshot                       { return hv.RegisterSnapshot{} }

func (f *fakeVCPU) RunOnce(ctx context.Context) (hv.ExitEvent, error) {
	if f.runs >= len(f.exits) {
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("fake vCPU: no more exits")
	}
	ev := f.exits[f.runs]
	f.runs++
	return ev, nil
}

var _ hv.VirtualCPU = &fakeVCPU{}

// The exit sequence of the add-and-print guest.
func referenceExits() []hv.ExitEvent {
	return []hv.ExitEvent{
		hv.IoOut{Port: 0x3f8, Data: []byte{0x35}},
		hv.IoIn{Port: 0x3f8, Data: []byte{0x00}},
		hv.MmioWrite{Address: 0x8000, Data: []byte{0x00}},
		hv.MmioRead{Address: 0x8000, Length: 1},
		hv.Halt{},
	}
}

func TestRunToHalt(t *testing.T) {
	dirty := &fakeDirtyLog{pages: []uint{0}}
	vcpu := &fakeVCPU{exits: referenceExits()}

	var observed []hv.ExitEvent
	loop := New(vcpu, Config{
		DirtyLog:           dirty,
		ExpectedDirtyPages: 1,
		Observer:           func(ev hv.ExitEvent) { observed = append(observed, ev) },
	})

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, Halted, loop.State())
	assert.NoError(t, loop.Err())

	stats := loop.Stats()
	assert.Equal(t, []byte("5"), stats.Output)
	assert.Equal(t, uint64(5), stats.Total())
	assert.Equal(t, []string{"halt", "io-in", "io-out", "mmio-read", "mmio-write"}, stats.Kinds())
	assert.Equal(t, uint(1), stats.DirtyPages)
	assert.Equal(t, 1, dirty.queries)
	assert.Len(t, observed, 5)
}

func TestStepTransitions(t *testing.T) {
	for _, tt := range []struct {
		name string
		ev   hv.ExitEvent
		want State
	}{
		{"io-in", hv.IoIn{Port: 0x3f8, Data: []byte{1}}, Running},
		{"io-out", hv.IoOut{Port: 0x3f8, Data: []byte{1}}, Running},
		{"mmio-read", hv.MmioRead{Address: 0x8000, Length: 1}, Running},
		{"mmio-write", hv.MmioWrite{Address: 0x8000, Data: []byte{0}}, Running},
		{"halt", hv.Halt{}, Halted},
		{"unexpected", hv.Unexpected{RawCode: 8, Reason: "KVM_EXIT_SHUTDOWN"}, Faulted},
		{"unexpected", nil, Faulted},
	} {
		t.Run(tt.name, func(t *testing.T) {
			loop := New(nil, Config{
				DirtyLog:           &fakeDirtyLog{pages: []uint{2}},
				ExpectedDirtyPages: 1,
			})
			assert.Equal(t, Running, loop.State())
			assert.Equal(t, tt.want, loop.Step(tt.ev))
			assert.Equal(t, uint64(1), loop.Stats().Exits[tt.name], "exit counted under its kind")
		})
	}
}

func TestUnexpectedExit(t *testing.T) {
	loop := New(nil, Config{})

	loop.Step(hv.Unexpected{RawCode: 8, Reason: "KVM_EXIT_SHUTDOWN"})

	var unexpected *hv.UnexpectedExitError
	require.ErrorAs(t, loop.Err(), &unexpected)
	assert.Equal(t, uint32(8), unexpected.RawCode)
}

func TestDirtyPageMismatch(t *testing.T) {
	for _, tt := range []struct {
		name  string
		pages []uint
	}{
		{"none", nil},
		{"two", []uint{0, 3}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			vcpu := &fakeVCPU{exits: referenceExits()}
			loop := New(vcpu, Config{
				DirtyLog:           &fakeDirtyLog{pages: tt.pages},
				Slot:               0,
				ExpectedDirtyPages: 1,
			})

			err := loop.Run(context.Background())
			assert.Equal(t, Faulted, loop.State())

			var mismatch *hv.DirtyPageMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, uint(1), mismatch.Want)
			assert.Equal(t, uint(len(tt.pages)), mismatch.Got)
			assert.Equal(t, uint64(0x8000), mismatch.Address)

			// The loop stops at the MMIO write.
			assert.Equal(t, 3, vcpu.runs)
		})
	}
}

func TestDirtyLogError(t *testing.T) {
	boom := errors.New("boom")
	loop := New(nil, Config{DirtyLog: &fakeDirtyLog{err: boom}, ExpectedDirtyPages: 1})

	assert.Equal(t, Faulted, loop.Step(hv.MmioWrite{Address: 0x8000, Data: []byte{0}}))
	assert.ErrorIs(t, loop.Err(), boom)
}

func TestMissingDirtyLog(t *testing.T) {
	loop := New(&fakeVCPU{}, Config{ExpectedDirtyPages: 1})

	assert.Equal(t, Faulted, loop.Step(hv.MmioWrite{Address: 0x8000}))
	assert.Error(t, loop.Err())
}

func TestRunOnceError(t *testing.T) {
	vcpu := &fakeVCPU{
		exits: []hv.ExitEvent{hv.IoOut{Port: 0x3f8, Data: []byte{'a'}}},
		err:   hv.ErrRun,
	}
	loop := New(vcpu, Config{})

	err := loop.Run(context.Background())
	assert.ErrorIs(t, err, hv.ErrRun)
	assert.Equal(t, Faulted, loop.State())
	assert.Equal(t, []byte("a"), loop.Stats().Output)
}

func TestTerminalStatesAbsorb(t *testing.T) {
	loop := New(nil, Config{})

	require.Equal(t, Halted, loop.Step(hv.Halt{}))
	assert.Equal(t, Halted, loop.Step(hv.Unexpected{RawCode: 1}))
	assert.NoError(t, loop.Err())
	assert.Equal(t, uint64(1), loop.Stats().Total())

	// Run on a halted loop returns immediately.
	assert.NoError(t, loop.Run(context.Background()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "halted", Halted.String())
	assert.Equal(t, "faulted", Faulted.String())
	assert.Equal(t, "State(7)", State(7).String())
}
