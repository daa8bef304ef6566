package addrspace

import (
	"errors"
	"testing"
)

func TestInsertOverlap(t *testing.T) {
	tests := []struct {
		name    string
		start   uint64
		length  uint64
		wantErr error
	}{
		{"first", 0, 10, nil},
		{"overlap", 5, 10, ErrOverlap},
		{"adjacent-ok", 10, 10, nil},
	}

	s := New[uint64, string]()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Insert(tt.start, tt.length, tt.name)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Insert(%d,%d) = %v, want nil", tt.start, tt.length, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Insert(%d,%d) = %v, want %v", tt.start, tt.length, err, tt.wantErr)
			}
		})
	}
}

func TestInsertZeroLen(t *testing.T) {
	s := New[uint64, int]()
	if err := s.Insert(0, 0, 1); !errors.Is(err, ErrInvalidLen) {
		t.Fatalf("Insert with len 0 = %v, want ErrInvalidLen", err)
	}
}

func TestLookup(t *testing.T) {
	s := New[uint64, string]()
	mustInsert(t, s, 0, 10, "a")
	mustInsert(t, s, 10, 10, "b")
	mustInsert(t, s, 100, 1, "c")

	tests := []struct {
		key       uint64
		wantFound bool
		wantValue string
	}{
		{0, true, "a"},
		{9, true, "a"},
		{10, true, "b"},
		{19, true, "b"},
		{20, false, ""},
		{99, false, ""},
		{100, true, "c"},
		{101, false, ""},
	}
	for _, tt := range tests {
		_, v, ok := s.Lookup(tt.key)
		if ok != tt.wantFound || (ok && v != tt.wantValue) {
			t.Errorf("Lookup(%d) = (%q, %v), want (%q, %v)", tt.key, v, ok, tt.wantValue, tt.wantFound)
		}
	}
}

func TestLookupExactlyOneCovers(t *testing.T) {
	// Invariant 2: for every key in the coverage of the router, exactly one
	// (range, value) covers it.
	s := New[uint16, int]()
	mustInsert(t, s, 0, 4, 1)
	mustInsert(t, s, 4, 4, 2)
	mustInsert(t, s, 100, 50, 3)

	for key := uint16(0); key < 8; key++ {
		count := 0
		r, _, ok := s.Lookup(key)
		if ok {
			count++
			if key < r.Start || uint64(key) >= r.End() {
				t.Fatalf("Lookup(%d) returned range %+v not containing key", key, r)
			}
		}
		if count > 1 {
			t.Fatalf("key %d covered by more than one range", key)
		}
	}
}

func TestPIOKeySpace(t *testing.T) {
	s := New[uint16, string]()
	if err := s.Insert(0x60, 1, "i8042-data"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(0x64, 1, "i8042-cmd"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(0x60, 1, "dup"); !errors.Is(err, ErrOverlap) {
		t.Fatalf("duplicate port insert = %v, want ErrOverlap", err)
	}
}

func mustInsert[K Key, V any](t *testing.T, s *Space[K, V], start K, length uint64, value V) {
	t.Helper()
	if err := s.Insert(start, length, value); err != nil {
		t.Fatalf("Insert(%v,%d,%v): %v", start, length, value, err)
	}
}
