//go:build linux && amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// x86_64 KVM support covers VM creation, guest memory and GSI routing, which
// is enough for the boot loader (internal/linux/boot/amd64) to place a kernel
// in guest memory. SetRegisters, GetRegisters and Run return errors, so no
// vCPU is pointed at the kernel entry point and no guest code runs; Run is
// not wired to KVM_RUN, matching the "secondary, experimental" scope x86_64
// has relative to arm64 in this VMM.

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters not yet implemented for architecture x86_64")
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters not yet implemented for architecture x86_64")
}

func (v *virtualCPU) Run(ctx context.Context) error {
	return fmt.Errorf("kvm: Run not yet implemented for architecture x86_64")
}

// legacyIOAPICPins matches the 24-pin IOAPIC every x86_64 KVM build exposes.
const legacyIOAPICPins = 24

func (hv *hypervisor) archVMInit(vm *virtualMachine, config hv.VMConfig) error {
	if !config.NeedsInterruptSupport() {
		return nil
	}

	if err := initGSIRouting(vm.vmFd, hv.fd, legacyIOAPICPins); err != nil {
		return fmt.Errorf("configure GSI routing: %w", err)
	}

	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return nil
}

func (hv *hypervisor) archPostVCPUInit(vm *virtualMachine, config hv.VMConfig) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
