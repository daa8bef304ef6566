package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Absolute offsets into the Linux zero page (struct boot_params), shared with
// the real-mode setup header copied in verbatim at 0x1f1.
const (
	zeroPageSize = 0x1000

	extRamdiskImageOffset = 0x0c0
	extRamdiskSizeOffset  = 0x0c4
	extCmdLinePtrOffset   = 0x0c8

	e820EntriesCountOffset = 0x1e8
	setupHeaderOffset      = 0x1f1

	ramdiskImageOffset = 0x218
	ramdiskSizeOffset  = 0x21c
	cmdLinePtrOffset   = 0x228

	e820TableOffset = 0x2d0
	e820EntrySize   = 20
	e820MaxEntries  = 128

	imageLoadAlignment = 0x200000
)

// BootOptions describes how the x86_64 kernel should be placed into guest RAM.
type BootOptions struct {
	Cmdline string
	Initrd  []byte

	InitrdGPA   uint64
	StackTopGPA uint64

	E820 []E820Entry
}

// BootPlan captures the derived addresses needed to enter the kernel. The
// vCPU still needs protected-mode segment/control registers programmed by
// the hypervisor backend before EntryGPA is reachable; this loader can only
// place memory and program the general-purpose registers the hv abstraction
// exposes.
type BootPlan struct {
	EntryGPA    uint64
	StackTopGPA uint64
	ZeroPageGPA uint64
}

// Prepare writes the kernel, initrd, command line, and zero page into guest
// RAM and derives the boot plan.
func (k *KernelImage) Prepare(vm hv.VirtualMachine, opts BootOptions) (*BootPlan, error) {
	if vm == nil || vm.MemorySize() == 0 {
		return nil, errors.New("amd64 prepare requires a virtual machine")
	}
	if k == nil || len(k.Payload()) == 0 {
		return nil, errNilKernelImage
	}

	memStart := vm.MemoryBase()
	memSize := vm.MemorySize()
	memEnd := memStart + memSize

	loadAddr := alignUp(memStart, imageLoadAlignment)
	if k.Header.PrefAddress != 0 && k.Header.PrefAddress >= memStart {
		loadAddr = alignUp(k.Header.PrefAddress, imageLoadAlignment)
	}

	payload := k.Payload()
	kernelEnd := loadAddr + uint64(len(payload))
	if kernelEnd > memEnd {
		return nil, fmt.Errorf("amd64 kernel [%#x, %#x) outside RAM [%#x, %#x)", loadAddr, kernelEnd, memStart, memEnd)
	}
	if err := writeGuest(vm, loadAddr, payload); err != nil {
		return nil, fmt.Errorf("write amd64 kernel payload: %w", err)
	}

	var initrdStart, initrdEnd uint64
	if len(opts.Initrd) > 0 {
		initrdStart = opts.InitrdGPA
		if initrdStart == 0 {
			initrdStart = alignUp(kernelEnd, 0x1000)
		}
		initrdEnd = initrdStart + uint64(len(opts.Initrd))
		if initrdStart < memStart || initrdEnd > memEnd {
			return nil, fmt.Errorf("initrd [%#x, %#x) outside RAM [%#x, %#x)", initrdStart, initrdEnd, memStart, memEnd)
		}
		if k.Header.InitrdAddrMax != 0 && initrdEnd > uint64(k.Header.InitrdAddrMax) {
			return nil, fmt.Errorf("initrd end %#x exceeds kernel initrd_addr_max %#x", initrdEnd, k.Header.InitrdAddrMax)
		}
		if err := writeGuest(vm, initrdStart, opts.Initrd); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
	}

	zeroPageGPA := alignUp(initrdEnd, 0x1000)
	if zeroPageGPA == 0 {
		zeroPageGPA = alignUp(kernelEnd, 0x1000)
	}
	cmdlineGPA := zeroPageGPA + zeroPageSize

	e820 := opts.E820
	if len(e820) == 0 {
		e820 = DefaultE820Map(memStart, memEnd)
	}

	if err := k.buildZeroPage(vm, zeroPageGPA, loadAddr, opts.Cmdline, cmdlineGPA, initrdStart, uint32(initrdEnd-initrdStart), e820); err != nil {
		return nil, err
	}

	stackTop := opts.StackTopGPA
	if stackTop == 0 {
		stackTop = alignDown(cmdlineGPA-0x1000, 16)
	}
	if stackTop <= zeroPageGPA {
		return nil, fmt.Errorf("stack top %#x overlaps zero page at %#x", stackTop, zeroPageGPA)
	}

	entry := loadAddr
	if k.Header.CodeStart != 0 {
		entry = loadAddr + uint64(k.Header.CodeStart) - uint64(k.Header.PrefAddress)
	}

	return &BootPlan{
		EntryGPA:    entry,
		StackTopGPA: stackTop,
		ZeroPageGPA: zeroPageGPA,
	}, nil
}

// ConfigureVCPU programs the boot vCPU's general-purpose registers for kernel
// entry. Protected-mode segment selectors and CR0 are outside what
// hv.Register currently exposes for AMD64 and are left to the hypervisor
// backend's reset state; see package doc comment.
func (p *BootPlan) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	if p == nil {
		return errors.New("amd64 boot plan is nil")
	}
	if vcpu == nil {
		return errors.New("amd64 configure requires a vCPU")
	}
	if p.ZeroPageGPA == 0 {
		return errors.New("amd64 zero page GPA is zero")
	}

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip: hv.Register64(p.EntryGPA),
		hv.RegisterAMD64Rsp: hv.Register64(p.StackTopGPA),
		hv.RegisterAMD64Rsi: hv.Register64(p.ZeroPageGPA),
		hv.RegisterAMD64Rbp: hv.Register64(0),
		hv.RegisterAMD64Rdi: hv.Register64(0),
	}
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set amd64 registers: %w", err)
	}
	return nil
}

func (k *KernelImage) buildZeroPage(vm hv.VirtualMachine, zeroPageGPA, loadAddr uint64, cmdline string, cmdlineGPA, initrdGPA uint64, initrdSize uint32, e820 []E820Entry) error {
	zp := make([]byte, zeroPageSize)

	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return errors.New("setup header larger than zero page space")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdlineGPA))
	binary.LittleEndian.PutUint32(zp[extCmdLinePtrOffset:], uint32(cmdlineGPA>>32))

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
		binary.LittleEndian.PutUint32(zp[extRamdiskImageOffset:], uint32(initrdGPA>>32))
		binary.LittleEndian.PutUint32(zp[extRamdiskSizeOffset:], uint32(uint64(initrdSize)>>32))
	}

	if k.Header.CmdlineSize != 0 && uint32(len(cmdline)) > k.Header.CmdlineSize {
		return fmt.Errorf("command line length %d exceeds kernel limit %d", len(cmdline), k.Header.CmdlineSize)
	}
	if err := writeGuest(vm, cmdlineGPA, append([]byte(cmdline), 0)); err != nil {
		return fmt.Errorf("write command line: %w", err)
	}

	if len(e820) == 0 {
		return errors.New("e820 map must contain at least one entry")
	}
	if len(e820) > e820MaxEntries {
		return fmt.Errorf("too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}
	zp[e820EntriesCountOffset] = byte(len(e820))
	for idx, ent := range e820 {
		base := e820TableOffset + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	return writeGuest(vm, zeroPageGPA, zp)
}

func writeGuest(vm hv.VirtualMachine, guestAddr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	memStart := vm.MemoryBase()
	memEnd := memStart + vm.MemorySize()
	if guestAddr < memStart || guestAddr+uint64(len(data)) > memEnd {
		return fmt.Errorf("guest address range [%#x, %#x) outside RAM [%#x, %#x)", guestAddr, guestAddr+uint64(len(data)), memStart, memEnd)
	}
	if _, err := vm.WriteAt(data, int64(guestAddr)); err != nil {
		return fmt.Errorf("write guest memory at %#x: %w", guestAddr, err)
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return value &^ mask
}
