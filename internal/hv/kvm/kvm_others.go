//go:build linux && !amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
)

func (v *virtualCPU) InitRegisters(initial hv.InitialRegisters) error {
	return fmt.Errorf("kvm: InitRegisters: %w", hv.ErrUnsupported)
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters: %w", hv.ErrUnsupported)
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters: %w", hv.ErrUnsupported)
}

func (v *virtualCPU) RunOnce(ctx context.Context) (hv.ExitEvent, error) {
	return nil, fmt.Errorf("kvm: RunOnce: %w", hv.ErrUnsupported)
}

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpu *virtualCPU) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
