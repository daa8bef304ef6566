package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	amd64serial "github.com/tinyrange/vmm/internal/devices/amd64/serial"
	"github.com/tinyrange/vmm/internal/devices/serial"
	"github.com/tinyrange/vmm/internal/devices/virtio"
	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
	amd64boot "github.com/tinyrange/vmm/internal/linux/boot/amd64"
	arm64boot "github.com/tinyrange/vmm/internal/linux/boot/arm64"
)

type bootPlan interface {
	ConfigureVCPU(vcpu hv.VirtualCPU) error
}

const (
	arm64UARTMMIOBase = 0x09000000
	arm64UARTRegShift = 0
	arm64UARTBaudRate = 115200
)

const (
	armGICInterruptTypeSPI = 0
	armGICInterruptTypePPI = 1

	armKVMIRQTypeShift = 24
	armKVMIRQTypeSPI   = 1
	armKVMIRQTypePPI   = 2
)

var arm64UARTInterrupt = arm64boot.InterruptSpec{
	Type:  armGICInterruptTypeSPI,
	Num:   33, // Matches qemu-virt UART
	Flags: 0x4,
}

var arm64UARTIRQLine = armInterruptLine(arm64UARTInterrupt)

func armInterruptLine(spec arm64boot.InterruptSpec) uint32 {
	var irqType uint32
	switch spec.Type {
	case armGICInterruptTypeSPI:
		irqType = armKVMIRQTypeSPI
	case armGICInterruptTypePPI:
		irqType = armKVMIRQTypePPI
	default:
		panic(fmt.Sprintf("unsupported GIC interrupt type %d", spec.Type))
	}
	return (irqType << armKVMIRQTypeShift) | (spec.Num & 0xFFFF)
}

type programRunner struct {
	loader *LinuxLoader
	linux  io.ReaderAt
}

// Run implements hv.RunConfig.
func (p *programRunner) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	if err := p.loader.plan.ConfigureVCPU(vcpu); err != nil {
		return fmt.Errorf("configure vCPU: %w", err)
	}

	for {
		if err := vcpu.Run(ctx); err != nil {
			if errors.Is(err, hv.ErrVMHalted) {
				return nil
			}
			if errors.Is(err, hv.ErrGuestRequestedReboot) {
				return nil
			}
			return fmt.Errorf("run vCPU: %w", err)
		}
	}
}

var (
	_ hv.RunConfig = &programRunner{}
)

type convertCRLF struct {
	io.Writer
}

func (c *convertCRLF) Write(p []byte) (n int, err error) {
	var converted []byte
	for i := range p {
		if p[i] == '\n' {
			converted = append(converted, '\r')
		}
		converted = append(converted, p[i])
	}
	return c.Writer.Write(converted)
}

// LinuxLoader assembles a guest physical address space, boots a Linux kernel
// image, and drives the boot vCPU to kernel entry.
type LinuxLoader struct {
	NumCPUs int
	MemSize uint64
	MemBase uint64

	GetCmdline func(arch hv.CpuArchitecture) ([]string, error)
	GetKernel  func() (io.ReaderAt, int64, error)

	// GetInitramfs supplies the caller's opaque initramfs/initrd blob; it is
	// treated as already containing a working /init. Optional.
	GetInitramfs func() ([]byte, error)

	CreateVM           func(vm hv.VirtualMachine) error
	CreateVMWithMemory func(vm hv.VirtualMachine) error

	SerialStdout io.Writer

	Devices []hv.DeviceTemplate

	// AdditionalFiles are appended to the initramfs as a second concatenated
	// cpio archive (the Linux kernel supports multiple cpio archives
	// concatenated back to back).
	AdditionalFiles []InitFile

	plan         bootPlan
	kernelReader io.ReaderAt
}

func (l *LinuxLoader) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if l.plan == nil {
		return errors.New("linux loader not loaded")
	}

	return l.plan.ConfigureVCPU(vcpu)
}

// OnCreateVCPU implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVCPU(vCpu hv.VirtualCPU) error {
	return nil
}

// OnCreateVM implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVM(vm hv.VirtualMachine) error {
	if l.CreateVM != nil {
		return l.CreateVM(vm)
	}

	return nil
}

// OnCreateVMWithMemory implements hv.VMCallbacks.
func (l *LinuxLoader) OnCreateVMWithMemory(vm hv.VirtualMachine) error {
	if l.CreateVMWithMemory != nil {
		return l.CreateVMWithMemory(vm)
	}
	return nil
}

// implements hv.VMConfig.
func (l *LinuxLoader) CPUCount() int               { return l.NumCPUs }
func (l *LinuxLoader) Callbacks() hv.VMCallbacks   { return l }
func (l *LinuxLoader) Loader() hv.VMLoader         { return l }
func (l *LinuxLoader) MemoryBase() uint64          { return l.MemBase }
func (l *LinuxLoader) MemorySize() uint64          { return l.MemSize }
func (l *LinuxLoader) NeedsInterruptSupport() bool { return true }

// Load implements hv.VMLoader.
func (l *LinuxLoader) Load(vm hv.VirtualMachine) error {
	if l.GetKernel == nil {
		return errors.New("linux loader missing kernel provider")
	}

	kernelReader, kernelSize, err := l.GetKernel()
	if err != nil {
		return fmt.Errorf("get kernel: %w", err)
	}

	l.kernelReader = kernelReader

	arch := vm.Hypervisor().Architecture()

	var initrd []byte
	if l.GetInitramfs != nil {
		initrd, err = l.GetInitramfs()
		if err != nil {
			return fmt.Errorf("get initramfs: %w", err)
		}
	}

	extraFiles := append([]InitFile{
		{Path: "/mem", Data: nil, Mode: os.FileMode(0o600), DevMajor: 1, DevMinor: 1},
	}, l.AdditionalFiles...)
	extra, err := buildInitramfs(extraFiles)
	if err != nil {
		return fmt.Errorf("build initramfs: %w", err)
	}
	initrd = append(initrd, extra...)

	if l.GetCmdline == nil {
		return errors.New("linux loader missing cmdline provider")
	}
	cmdline, err := l.GetCmdline(arch)
	if err != nil {
		return fmt.Errorf("get cmdline: %w", err)
	}

	cmdlineBase := append([]string(nil), cmdline...)
	var virtioCmdline []string
	var virtioNodes []fdt.Node
	allocator := NewGSIAllocator(16, []uint32{0, 1, 2, 4, 8, 9, 10})
	for idx, dev := range l.Devices {
		// Opportunistically assign GSIs to devices that haven't chosen one.
		switch d := dev.(type) {
		case virtio.ConsoleTemplate:
			if d.IRQLine == 0 {
				d.IRQLine = allocator.Allocate()
				l.Devices[idx] = d
			}
		case virtio.FSTemplate:
			if d.IRQLine == 0 {
				d.IRQLine = allocator.Allocate()
				l.Devices[idx] = d
			}
		}
	}

	for _, dev := range l.Devices {
		if vdev, ok := dev.(virtio.VirtioMMIODevice); ok {
			params, err := vdev.GetLinuxCommandLineParam()
			if err != nil {
				return fmt.Errorf("get virtio mmio device linux cmdline param: %w", err)
			}
			virtioCmdline = append(virtioCmdline, params...)
			nodes, err := vdev.DeviceTreeNodes()
			if err != nil {
				return fmt.Errorf("get virtio mmio device tree nodes: %w", err)
			}
			virtioNodes = append(virtioNodes, nodes...)
		}
	}

	switch arch {
	case hv.ArchitectureX86_64:
		cmdline := append(cmdlineBase, virtioCmdline...)
		cmdlineStr := strings.Join(cmdline, " ")
		return l.loadAMD64(vm, kernelReader, kernelSize, cmdlineStr, initrd)
	case hv.ArchitectureARM64:
		cmdlineStr := strings.Join(cmdlineBase, " ")
		return l.loadARM64(vm, kernelReader, kernelSize, cmdlineStr, initrd, virtioNodes)
	case hv.ArchitectureRISCV64:
		return fmt.Errorf("linux loader for riscv64 is not implemented yet (pending kernel/initrd support)")
	default:
		return fmt.Errorf("unsupported architecture: %v", arch)
	}
}

// loadAMD64 validates and places an x86_64 bzImage kernel. The x86 path is
// secondary: it implements header validation, memory placement, and the
// register-programmable subset of the boot protocol, but not the
// PIC/IOAPIC/ACPI chain a full protected-mode entry would need (see
// internal/linux/boot/amd64's package doc).
func (l *LinuxLoader) loadAMD64(vm hv.VirtualMachine, kernelReader io.ReaderAt, kernelSize int64, cmdline string, initrd []byte) error {
	kernelImage, err := amd64boot.LoadKernel(kernelReader, kernelSize)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	plan, err := kernelImage.Prepare(vm, amd64boot.BootOptions{
		Cmdline: cmdline,
		Initrd:  initrd,
	})
	if err != nil {
		return fmt.Errorf("prepare kernel: %w", err)
	}
	l.plan = plan

	consoleSerial := amd64serial.NewSerial16550WithIRQ(0x3F8, 4, &convertCRLF{l.SerialStdout})
	if err := vm.AddDevice(consoleSerial); err != nil {
		return fmt.Errorf("add serial device: %w", err)
	}

	auxSerial := amd64serial.NewSerial16550WithIRQ(0x2F8, 3, io.Discard)
	if err := vm.AddDevice(auxSerial); err != nil {
		return fmt.Errorf("add aux serial device: %w", err)
	}

	for _, dev := range l.Devices {
		if err := vm.AddDeviceFromTemplate(dev); err != nil {
			return fmt.Errorf("add device from template: %w", err)
		}
	}

	return nil
}

func (l *LinuxLoader) loadARM64(vm hv.VirtualMachine, kernelReader io.ReaderAt, kernelSize int64, cmdline string, initrd []byte, deviceTree []fdt.Node) error {
	kernelImage, err := arm64boot.LoadKernel(kernelReader, kernelSize)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	numCPUs := l.NumCPUs
	if numCPUs <= 0 {
		numCPUs = 1
	}

	gicConfig, emulated, err := detectArm64GICConfig(vm)
	if err != nil {
		return fmt.Errorf("detect GIC config: %w", err)
	}

	plan, err := kernelImage.Prepare(vm, arm64boot.BootOptions{
		Cmdline: cmdline,
		Initrd:  initrd,
		NumCPUs: numCPUs,
		UART: &arm64boot.UARTConfig{
			Base:      arm64UARTMMIOBase,
			Size:      serial.UART8250MMIOSize,
			ClockHz:   serial.UART8250DefaultClock,
			RegShift:  arm64UARTRegShift,
			BaudRate:  arm64UARTBaudRate,
			Interrupt: arm64UARTInterrupt,
		},
		GIC:             gicConfig,
		EmulateGIC:      emulated,
		DeviceTreeNodes: deviceTree,
	})
	if err != nil {
		return fmt.Errorf("prepare kernel: %w", err)
	}
	l.plan = plan

	if emulated && plan.GICController != nil {
		if err := vm.AddDevice(plan.GICController); err != nil {
			return fmt.Errorf("add emulated GIC: %w", err)
		}
	}

	uartDev := serial.NewUART8250MMIO(arm64UARTMMIOBase, arm64UARTRegShift, arm64UARTIRQLine, &convertCRLF{l.SerialStdout})
	if err := vm.AddDevice(uartDev); err != nil {
		return fmt.Errorf("add arm64 uart device: %w", err)
	}

	for _, dev := range l.Devices {
		if err := vm.AddDeviceFromTemplate(dev); err != nil {
			return fmt.Errorf("add device from template: %w", err)
		}
	}

	return nil
}

// detectArm64GICConfig prefers a host-passthrough GIC description (real
// hardware addresses the hypervisor already wires to the guest) and falls
// back to the software-emulated GICv3 defaults otherwise. The second return
// value reports whether software emulation is in use.
func detectArm64GICConfig(vm hv.VirtualMachine) (*arm64boot.GICConfig, bool, error) {
	if vm == nil {
		return nil, false, errors.New("vm is nil")
	}

	config := arm64boot.DefaultGICConfig()
	emulated := true

	if provider, ok := vm.(hv.Arm64GICProvider); ok {
		if info, ok := provider.Arm64GICInfo(); ok {
			emulated = false
			if ver := convertArm64GICVersion(info.Version); ver != arm64boot.GICVersionUnknown {
				config.Version = ver
			}
			if info.DistributorBase != 0 {
				config.DistributorBase = info.DistributorBase
			}
			if info.DistributorSize != 0 {
				config.DistributorSize = info.DistributorSize
			}
			if info.RedistributorBase != 0 {
				config.RedistributorBase = info.RedistributorBase
			}
			if info.RedistributorSize != 0 {
				config.RedistributorSize = info.RedistributorSize
			}
			if info.CpuInterfaceBase != 0 {
				config.CpuInterfaceBase = info.CpuInterfaceBase
			}
			if info.CpuInterfaceSize != 0 {
				config.CpuInterfaceSize = info.CpuInterfaceSize
			}
			if info.ItsBase != 0 {
				config.ItsBase = info.ItsBase
			}
			if info.ItsSize != 0 {
				config.ItsSize = info.ItsSize
			}
			if info.MaintenanceInterrupt != (hv.Arm64Interrupt{}) {
				config.MaintenanceInterrupt = arm64boot.InterruptSpec{
					Type:  info.MaintenanceInterrupt.Type,
					Num:   info.MaintenanceInterrupt.Num,
					Flags: info.MaintenanceInterrupt.Flags,
				}
			}
		}
	}

	if !emulated && runtime.GOOS == "windows" && config.Version == arm64boot.GICVersion3 {
		base, err := queryArm64GICRBase(vm)
		if err != nil {
			return nil, false, fmt.Errorf("query GIC redistributor base: %w", err)
		}
		if base != 0 {
			config.RedistributorBase = base
		}
	}

	return &config, emulated, nil
}

func convertArm64GICVersion(ver hv.Arm64GICVersion) arm64boot.GICVersion {
	switch ver {
	case hv.Arm64GICVersion2:
		return arm64boot.GICVersion2
	case hv.Arm64GICVersion3:
		return arm64boot.GICVersion3
	default:
		return arm64boot.GICVersionUnknown
	}
}

func queryArm64GICRBase(vm hv.VirtualMachine) (uint64, error) {
	var base uint64
	err := vm.VirtualCPUCall(0, func(cpu hv.VirtualCPU) error {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterARM64GicrBase: hv.Register64(0),
		}
		if err := cpu.GetRegisters(regs); err != nil {
			return fmt.Errorf("get GICR base register: %w", err)
		}
		value, ok := regs[hv.RegisterARM64GicrBase].(hv.Register64)
		if !ok {
			return fmt.Errorf("unexpected register value type %T for GICR base", regs[hv.RegisterARM64GicrBase])
		}
		base = uint64(value)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return base, nil
}

func (l *LinuxLoader) RunConfig() (hv.RunConfig, error) {
	loader := &programRunner{loader: l, linux: l.kernelReader}

	return loader, nil
}

var (
	_ hv.VMLoader    = &LinuxLoader{}
	_ hv.VMConfig    = &LinuxLoader{}
	_ hv.VMCallbacks = &LinuxLoader{}
)
