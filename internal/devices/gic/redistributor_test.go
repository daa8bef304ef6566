package gic

import "testing"

func TestRedistributorLastBit(t *testing.T) {
	cfg := Config{NumCPUs: 3, NumIRQs: 64, ARE: true}

	r0 := NewRedistributor(cfg, 0)
	if got := (r0.typer >> 4) & 1; got != 0 {
		t.Fatalf("cpu 0: TYPER.Last = %d, want 0", got)
	}

	r2 := NewRedistributor(cfg, 2)
	if got := (r2.typer >> 4) & 1; got != 1 {
		t.Fatalf("cpu 2 (last): TYPER.Last = %d, want 1", got)
	}
}

func TestRedistributorWakerAlwaysAwake(t *testing.T) {
	r := NewRedistributor(DefaultConfig(1), 0)

	data := make([]byte, 4)
	r.ReadMMIO(rdWAKER, data)
	if getLE(data) != 0 {
		t.Fatalf("WAKER = %#x, want 0 (ChildrenAsleep/ProcessorSleep clear)", getLE(data))
	}
}

func TestRedistributorSGIEnablePendingRoundTrip(t *testing.T) {
	r := NewRedistributor(DefaultConfig(1), 0)

	data := make([]byte, 4)
	putLE(data, 1<<3) // SGI/PPI 3
	r.WriteMMIO(redistributorSGIOffset+rdISENABLER0, data)
	if !r.enabled[3] {
		t.Fatalf("SGI 3 not enabled after ISENABLER0 write")
	}

	r.WriteMMIO(redistributorSGIOffset+rdICENABLER0, data)
	if r.enabled[3] {
		t.Fatalf("SGI 3 still enabled after ICENABLER0 write")
	}
}

func TestRedistributorPriorityByteAccess(t *testing.T) {
	r := NewRedistributor(DefaultConfig(1), 0)

	r.WriteMMIO(redistributorSGIOffset+rdIPRIORITYR+5, []byte{0x80})
	data := make([]byte, 1)
	r.ReadMMIO(redistributorSGIOffset+rdIPRIORITYR+5, data)
	if data[0] != 0x80 {
		t.Fatalf("priority[5] = %#x, want 0x80", data[0])
	}
}
