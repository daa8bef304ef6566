package machine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/vmm/internal/devices/virtio"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/factory"
	"github.com/tinyrange/vmm/internal/linux/boot"
)

// Machine is a built, not-yet-run VM: a hypervisor backend, a VirtualMachine
// it owns, and the loader that will drive the boot->run lifecycle.
type Machine struct {
	hv     hv.Hypervisor
	vm     hv.VirtualMachine
	loader *boot.LinuxLoader

	kernelFile    *os.File
	initramfsFile *os.File
	diskFiles     []*os.File
}

// Build wires config into a Hypervisor backend, a VirtualMachine, and all
// configured devices, loading the kernel and initrd into guest memory. It
// mirrors the build->load step of the teacher lineage's CLI entrypoints,
// scoped to this VMM's concerns.
func Build(cfg Config) (*Machine, error) {
	if err := validateAccel(cfg.Accel); err != nil {
		return nil, err
	}

	if cfg.Kernel == "" {
		return nil, fmt.Errorf("machine: --kernel is required")
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}

	memSize, err := ParseMemorySize(cfg.Memory)
	if err != nil {
		return nil, err
	}
	if memSize == 0 {
		return nil, fmt.Errorf("machine: --memory must be non-zero")
	}

	backend, err := factory.Open()
	if err != nil {
		return nil, fmt.Errorf("open hypervisor: %w", err)
	}

	m := &Machine{hv: backend}

	kernelFile, err := os.Open(cfg.Kernel)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open kernel %s: %w", cfg.Kernel, err)
	}
	m.kernelFile = kernelFile

	var getInitramfs func() ([]byte, error)
	if cfg.Initramfs != "" {
		initramfsFile, err := os.Open(cfg.Initramfs)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open initramfs %s: %w", cfg.Initramfs, err)
		}
		m.initramfsFile = initramfsFile
		getInitramfs = func() ([]byte, error) {
			return io.ReadAll(initramfsFile)
		}
	}

	var devices []hv.DeviceTemplate
	for _, disk := range cfg.Disks {
		flag := os.O_RDWR
		if disk.ReadOnly {
			flag = os.O_RDONLY
		}
		diskFile, err := os.OpenFile(disk.Path, flag, 0)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open disk %s: %w", disk.Path, err)
		}
		m.diskFiles = append(m.diskFiles, diskFile)
		devices = append(devices, virtio.NewBlkTemplate(diskFile, disk.ReadOnly))
	}

	loader := &boot.LinuxLoader{
		NumCPUs: cfg.CPUs,
		MemSize: memSize,
		MemBase: defaultMemoryBase(backend.Architecture()),
		GetKernel: func() (io.ReaderAt, int64, error) {
			info, err := kernelFile.Stat()
			if err != nil {
				return nil, 0, err
			}
			return kernelFile, info.Size(), nil
		},
		GetCmdline: func(arch hv.CpuArchitecture) ([]string, error) {
			if cfg.Cmdline == "" {
				return nil, nil
			}
			return []string{cfg.Cmdline}, nil
		},
		GetInitramfs: getInitramfs,
		SerialStdout: os.Stdout,
		Devices:      devices,
	}
	m.loader = loader

	vm, err := backend.NewVirtualMachine(loader)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("create virtual machine: %w", err)
	}
	m.vm = vm

	return m, nil
}

// arm64RAMBase matches the qemu "virt" board's RAM base: everything below
// it is reserved for the fixed low MMIO map (GIC distributor/redistributor
// at 0x08000000, UART at 0x09000000), so RAM has to start above both.
const arm64RAMBase = 0x40000000

// defaultMemoryBase is the architecture's conventional guest-RAM start
// address: arm64RAMBase for AArch64 (leaves room for the fixed low MMIO
// map below it), 0 for x86_64 (legacy low memory starts at GPA 0; the PCI
// hole is handled above it by the KVM backend's memory-slot splitting, see
// internal/hv/kvm/kvm.go).
func defaultMemoryBase(arch hv.CpuArchitecture) uint64 {
	if arch == hv.ArchitectureARM64 {
		return arm64RAMBase
	}
	return 0
}

// Run drives the VM to completion: boot loading already happened as part of
// VirtualMachine construction (hv.Hypervisor.NewVirtualMachine calls back
// into the VMConfig's OnCreateVM/OnCreateVMWithMemory and the VMLoader),
// this starts the vCPU run loop via the loader's hv.RunConfig.
func (m *Machine) Run(ctx context.Context) error {
	runConfig, err := m.loader.RunConfig()
	if err != nil {
		return fmt.Errorf("build run config: %w", err)
	}

	if err := m.vm.Run(ctx, runConfig); err != nil {
		return fmt.Errorf("run vm: %w", err)
	}

	return nil
}

// Close releases the VM, hypervisor, and every file this Machine opened.
func (m *Machine) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.vm != nil {
		record(m.vm.Close())
	}
	if m.hv != nil {
		record(m.hv.Close())
	}
	for _, f := range m.diskFiles {
		record(f.Close())
	}
	if m.initramfsFile != nil {
		record(m.initramfsFile.Close())
	}
	if m.kernelFile != nil {
		record(m.kernelFile.Close())
	}

	return firstErr
}
