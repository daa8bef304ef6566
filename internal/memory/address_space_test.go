package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

// fakeMemoryRegion is an in-process hv.MemoryRegion backed by a byte slice,
// standing in for an mmap'd or HVF-mapped region in tests.
type fakeMemoryRegion struct {
	buf []byte
}

func (f *fakeMemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.buf[off:]), nil
}

func (f *fakeMemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	return copy(f.buf[off:], p), nil
}

func (f *fakeMemoryRegion) Size() uint64 { return uint64(len(f.buf)) }

type fakeAllocator struct{}

func (fakeAllocator) AllocateMemory(gpa, size uint64) (hv.MemoryRegion, error) {
	return &fakeMemoryRegion{buf: make([]byte, size)}, nil
}

func TestAddressSpaceOverlap(t *testing.T) {
	as := NewAddressSpace()

	if err := as.Insert(Placeholder(0, 10)); err != nil {
		t.Fatalf("insert [0,10): %v", err)
	}
	if err := as.Insert(Placeholder(5, 10)); err == nil {
		t.Fatalf("insert [5,15) should overlap [0,10)")
	}
	if err := as.Insert(Placeholder(10, 10)); err != nil {
		t.Fatalf("insert [10,20): %v", err)
	}
}

func TestAddressSpaceReadWrite(t *testing.T) {
	const gpa = 0
	const length = 512

	as := NewAddressSpace()
	region := Placeholder(gpa, length)
	if err := region.Alloc(fakeAllocator{}); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := as.Insert(region); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := as.Resolve(gpa); err != nil {
		t.Fatalf("resolve ok gpa: %v", err)
	}
	if _, err := as.Resolve(length); !errors.Is(err, ErrInvalidGpa) {
		t.Fatalf("resolve out-of-range gpa = %v, want ErrInvalidGpa", err)
	}

	if err := as.Memset(gpa, 0xcd, 1); err != nil {
		t.Fatalf("memset: %v", err)
	}
	var got [1]byte
	if _, err := as.ReadAt(got[:], gpa); err != nil {
		t.Fatalf("readat: %v", err)
	}
	if got[0] != 0xcd {
		t.Fatalf("byte 0 = 0x%x, want 0xcd", got[0])
	}

	if err := as.Memset(gpa, 0, length); err != nil {
		t.Fatalf("memset full: %v", err)
	}
	if err := as.Memset(gpa, 0, length+1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("memset overflow = %v, want ErrOverflow", err)
	}
	if err := as.Memset(gpa+1, 0, length); !errors.Is(err, ErrOverflow) {
		t.Fatalf("memset offset overflow = %v, want ErrOverflow", err)
	}

	want := bytes.Repeat([]byte{0xaa}, length)
	if err := as.CopyFromSlice(gpa, want, length); err != nil {
		t.Fatalf("copy_from_slice: %v", err)
	}
	got512 := make([]byte, length)
	if _, err := as.ReadAt(got512, gpa); err != nil {
		t.Fatalf("readat full: %v", err)
	}
	if got512[0] != 0xaa || got512[length-1] != 0xaa {
		t.Fatalf("round-trip mismatch: first=0x%x last=0x%x", got512[0], got512[length-1])
	}
}

func TestRegionAllocOnce(t *testing.T) {
	region := Placeholder(0, 16)
	if err := region.Alloc(fakeAllocator{}); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if err := region.Alloc(fakeAllocator{}); err == nil {
		t.Fatal("second alloc on the same region should fail")
	}
}
