package arm64

import (
	"github.com/tinyrange/vmm/internal/devices/gic"
)

// GICVersion identifies which architectural generation of the ARM Generic
// Interrupt Controller the guest should see.
type GICVersion int

const (
	GICVersionUnknown GICVersion = iota
	GICVersion2
	GICVersion3
)

// InterruptSpec describes a single GIC-routed interrupt in the type/num/flags
// form used both by device tree "interrupts" properties and by hypervisor
// IRQ line encodings.
type InterruptSpec struct {
	Type  uint32
	Num   uint32
	Flags uint32
}

// GICConfig describes the interrupt controller presented to the guest,
// either passed through from the host hypervisor (kvm/hvf expose their GIC
// base addresses directly) or backed by the software-emulated
// internal/devices/gic.Controller when no passthrough is available.
type GICConfig struct {
	Version GICVersion

	DistributorBase uint64
	DistributorSize uint64

	RedistributorBase uint64
	RedistributorSize uint64

	CpuInterfaceBase uint64
	CpuInterfaceSize uint64

	ItsBase uint64
	ItsSize uint64

	MaintenanceInterrupt InterruptSpec
}

// Default base addresses match the qemu "virt" board's memory map, which is
// also what most upstream Linux arm64 defconfigs expect out of the box.
const (
	defaultGICDistributorBase   = 0x08000000
	defaultGICDistributorSize   = 0x10000
	defaultGICRedistributorBase = 0x080a0000
)

// DefaultGICConfig returns a GICv3 configuration at the qemu-virt addresses,
// used when the hypervisor backend offers no passthrough GIC information.
func DefaultGICConfig() GICConfig {
	return GICConfig{
		Version:           GICVersion3,
		DistributorBase:   defaultGICDistributorBase,
		DistributorSize:   defaultGICDistributorSize,
		RedistributorBase: defaultGICRedistributorBase,
	}
}

// BuildController constructs a gic.Controller describing this configuration.
// It is always built (even when a passthrough hypervisor GIC backs the real
// interrupt delivery) because it is also the device-tree node writer; the
// caller only registers it as an hv.Device when software emulation is
// actually needed to service guest MMIO accesses.
func (c GICConfig) BuildController(numCPUs int) *gic.Controller {
	cfg := gic.DefaultConfig(numCPUs)
	return gic.NewController(cfg, c.DistributorBase, c.RedistributorBase)
}
