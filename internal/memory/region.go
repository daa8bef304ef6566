package memory

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// ErrInvalidGpa is returned when a guest physical address does not fall
// within any region registered in an AddressSpace.
var ErrInvalidGpa = errors.New("guest physical address not mapped")

// ErrOverflow is returned when an access would run past the end of the
// region that contains its starting address.
var ErrOverflow = errors.New("access overflows region")

// ErrNotAllocated is returned when an operation needs backing memory on a
// region that is still a placeholder.
var ErrNotAllocated = errors.New("region not allocated")

// Allocator maps backing memory for a placeholder region, parameterised on
// the hypervisor backend: plain anonymous mmap for KVM, a
// Hypervisor.framework mapping call for HVF. hv.VirtualMachine already
// exposes exactly this contract via AllocateMemory, so the common case is
// to pass the VirtualMachine itself.
type Allocator interface {
	AllocateMemory(gpa, size uint64) (hv.MemoryRegion, error)
}

// Region is a single guest-physical memory region: created as a placeholder
// with no backing, allocated exactly once, and addressed thereafter through
// the hv.MemoryRegion (io.ReaderAt/io.WriterAt) it wraps.
type Region struct {
	GPA     uint64
	Len     uint64
	backing OnceValue[hv.MemoryRegion]
}

// Placeholder creates an unallocated region spanning [gpa, gpa+len).
func Placeholder(gpa, length uint64) *Region {
	return &Region{GPA: gpa, Len: length}
}

// Alloc maps backing memory for the region via the given allocator. Calling
// Alloc twice on the same region fails with ErrAlreadySet.
func (r *Region) Alloc(alloc Allocator) error {
	backing, err := alloc.AllocateMemory(r.GPA, r.Len)
	if err != nil {
		return fmt.Errorf("memory: allocate region [0x%x,0x%x): %w", r.GPA, r.GPA+r.Len, err)
	}
	if err := r.backing.Set(backing); err != nil {
		return fmt.Errorf("memory: region [0x%x,0x%x): %w", r.GPA, r.GPA+r.Len, ErrAlreadySet)
	}
	return nil
}

// Backing returns the region's backing hv.MemoryRegion, failing with
// ErrNotAllocated if Alloc has not yet succeeded.
func (r *Region) Backing() (hv.MemoryRegion, error) {
	b, ok := r.backing.Get()
	if !ok {
		return nil, fmt.Errorf("memory: region [0x%x,0x%x): %w", r.GPA, r.GPA+r.Len, ErrNotAllocated)
	}
	return b, nil
}

// Allocated reports whether the region has backing memory.
func (r *Region) Allocated() bool {
	return r.backing.IsSet()
}
