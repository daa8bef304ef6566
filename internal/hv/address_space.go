package hv

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmm/internal/addrspace"
)

// AddressSpace manages physical address allocation for a VM's guest-physical
// address range: it tracks RAM regions and allocates or registers MMIO
// regions above RAM, rejecting anything that collides with RAM or another
// MMIO region. Overlap detection for both dynamic and fixed regions is
// delegated to addrspace.Space, the same ordered-range primitive behind the
// MMIO bus in internal/chipset and memory.AddressSpace. The chipset PIO bus
// and the PCI host bridge do not use it.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// Split memory layout (x86_64 only, for >3GB RAM)
	// When isSplit is true, RAM is split around the PCI hole:
	//   - Low memory: [ramBase, ramBase+lowMemSize)
	//   - High memory: [highMemBase, highMemBase+highMemSize)
	isSplit     bool
	lowMemSize  uint64
	highMemBase uint64
	highMemSize uint64

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64

	// regions tracks both dynamically allocated and fixed MMIO regions, keyed
	// by their base address, for overlap rejection.
	regions *addrspace.Space[uint64, MMIOAllocation]

	// allocations holds all dynamically allocated MMIO regions, in allocation
	// order (regions is keyed by address, which isn't necessarily the same).
	allocations []MMIOAllocation

	// fixedRegions holds pre-determined MMIO regions (GIC, UART, HPET, etc.)
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates a new physical address allocator for a VM.
// MMIO allocations will start above ramBase+ramSize.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	a := &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
		regions: addrspace.New[uint64, MMIOAllocation](),
	}
	if ramSize > 0 {
		a.regions.Insert(ramBase, ramSize, MMIOAllocation{Name: "ram", Base: ramBase, Size: ramSize})
	}
	// Start MMIO allocation above RAM, aligned to 4KB
	a.nextMMIO = alignUp(ramBase+ramSize, 0x1000)
	return a
}

// NewAddressSpaceSplit creates a physical address allocator for split memory layouts.
// This is used on x86_64 when RAM exceeds the PCI hole (3GB-4GB).
// Low memory: [lowBase, lowBase+lowSize)
// High memory: [highBase, highBase+highSize)
// MMIO allocations start above the high memory region.
func NewAddressSpaceSplit(arch CpuArchitecture, lowBase, lowSize, highBase, highSize uint64) *AddressSpace {
	a := &AddressSpace{
		arch:        arch,
		ramBase:     lowBase,
		ramSize:     lowSize + highSize, // Total RAM for reporting purposes
		isSplit:     true,
		lowMemSize:  lowSize,
		highMemBase: highBase,
		highMemSize: highSize,
		regions:     addrspace.New[uint64, MMIOAllocation](),
	}
	if lowSize > 0 {
		a.regions.Insert(lowBase, lowSize, MMIOAllocation{Name: "ram-low", Base: lowBase, Size: lowSize})
	}
	if highSize > 0 {
		a.regions.Insert(highBase, highSize, MMIOAllocation{Name: "ram-high", Base: highBase, Size: highSize})
	}
	// For split memory, MMIO allocations start above high memory
	a.nextMMIO = alignUp(highBase+highSize, 0x1000)
	return a
}

// Allocate allocates an MMIO region with the specified requirements.
// The region is placed above RAM and aligned to the requested alignment.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000 // Default to 4KB alignment
	}

	// Ensure alignment is a power of 2
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	// Align the base address
	base := alignUp(a.nextMMIO, alignment)

	// Align the size up to alignment boundary
	size := alignUp(req.Size, alignment)

	alloc := MMIOAllocation{
		Name: req.Name,
		Base: base,
		Size: size,
	}

	if err := a.regions.Insert(base, size, alloc); err != nil {
		return MMIOAllocation{}, fmt.Errorf("address_space: allocate %s: %w", req.Name, err)
	}

	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps with RAM.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	alloc := MMIOAllocation{Name: name, Base: base, Size: size}
	if err := a.regions.Insert(base, size, alloc); err != nil {
		return fmt.Errorf("address_space: register fixed region %s [0x%x-0x%x): %w", name, base, base+size, err)
	}

	a.fixedRegions = append(a.fixedRegions, alloc)

	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
