// Package memory implements the Memory Address Space: the owner of guest
// physical memory regions, translating GPA to host-addressable
// io.ReaderAt/io.WriterAt access and enforcing that the set of mapped
// intervals stays pairwise disjoint.
package memory

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/addrspace"
)

// AddressSpace owns the guest's physical memory regions. It is built on the
// same overlap-detecting router that backs the chipset's MMIO bus
// (internal/addrspace), instantiated over GPA keys and *Region values — the
// same pairwise-disjoint-interval invariant applies here as it does to an
// MMIO window, just at the resolution of whole memory regions rather than
// device sub-ranges. The chipset's PIO bus does not use this router.
type AddressSpace struct {
	regions *addrspace.Space[uint64, *Region]
}

// NewAddressSpace returns an empty memory address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{regions: addrspace.New[uint64, *Region]()}
}

// Insert registers a region, failing with ErrOverlap (via addrspace) if its
// interval intersects any already-inserted region.
func (m *AddressSpace) Insert(r *Region) error {
	if err := m.regions.Insert(r.GPA, r.Len, r); err != nil {
		return fmt.Errorf("memory: insert region [0x%x,0x%x): %w", r.GPA, r.GPA+r.Len, err)
	}
	return nil
}

// Resolve finds the region containing gpa.
func (m *AddressSpace) Resolve(gpa uint64) (*Region, error) {
	_, region, ok := m.regions.Lookup(gpa)
	if !ok {
		return nil, fmt.Errorf("memory: resolve 0x%x: %w", gpa, ErrInvalidGpa)
	}
	return region, nil
}

// ReadAt implements io.ReaderAt semantics over the whole address space: it
// resolves the region containing off, bounds-checks the access against that
// region's length, and delegates to the region's backing memory.
func (m *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	_, hva, regionOff, err := m.resolveAccess(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return hva.ReadAt(p, int64(regionOff))
}

// WriteAt implements io.WriterAt semantics, see ReadAt.
func (m *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	_, hva, regionOff, err := m.resolveAccess(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return hva.WriteAt(p, int64(regionOff))
}

// Memset fills len bytes starting at gpa with val.
func (m *AddressSpace) Memset(gpa uint64, val byte, length int) error {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = val
	}
	_, err := m.WriteAt(buf, int64(gpa))
	return err
}

// CopyFromSlice copies len bytes from buf to gpa.
func (m *AddressSpace) CopyFromSlice(gpa uint64, buf []byte, length int) error {
	_, err := m.WriteAt(buf[:length], int64(gpa))
	return err
}

func (m *AddressSpace) resolveAccess(gpa uint64, length int) (*Region, backingReaderWriter, uint64, error) {
	region, err := m.Resolve(gpa)
	if err != nil {
		return nil, nil, 0, err
	}
	offset := gpa - region.GPA
	if offset+uint64(length) > region.Len {
		return nil, nil, 0, fmt.Errorf("memory: access [0x%x,0x%x) in region [0x%x,0x%x): %w",
			gpa, gpa+uint64(length), region.GPA, region.GPA+region.Len, ErrOverflow)
	}
	backing, err := region.Backing()
	if err != nil {
		return nil, nil, 0, err
	}
	return region, backing, offset, nil
}

// backingReaderWriter is the subset of hv.MemoryRegion resolveAccess needs.
type backingReaderWriter interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}
