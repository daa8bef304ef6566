package gic

import "testing"

func TestNewDistributorTyper(t *testing.T) {
	d := NewDistributor(Config{NumCPUs: 4, NumIRQs: 64, ARE: true})

	if got := d.typer & itLinesBits; got != itLinesBits {
		t.Fatalf("ITLinesNumber = %#x, want %#x", got, uint32(itLinesBits))
	}
	if got := (d.typer >> 19) & 0x1f; got != idBits {
		t.Fatalf("IDBits = %d, want %d", got, idBits)
	}
	if got := (d.typer >> 10) & 1; got != 0 {
		t.Fatalf("SecurityExtn = %d, want 0 (single security state)", got)
	}
	if got := (d.typer >> 5) & 0x7; got != 0 {
		t.Fatalf("CPUNumber = %d, want 0 when ARE is enabled", got)
	}
}

func TestNewDistributorCPUNumberWithoutARE(t *testing.T) {
	d := NewDistributor(Config{NumCPUs: 4, NumIRQs: 64, ARE: false})
	if got := (d.typer >> 5) & 0x7; got != 3 {
		t.Fatalf("CPUNumber = %d, want NumCPUs-1 = 3 when ARE is disabled", got)
	}
}

func TestDistributorIdentificationRegisters(t *testing.T) {
	d := NewDistributor(DefaultConfig(1))

	data := make([]byte, 4)
	d.ReadMMIO(regIIDR, data)
	if got := getLE(data); got != armImplID {
		t.Fatalf("IIDR = %#x, want %#x", got, uint32(armImplID))
	}

	d.ReadMMIO(regPIDR2, data)
	if got := getLE(data); got != gicV3Rev<<4 {
		t.Fatalf("PIDR2 = %#x, want %#x", got, uint32(gicV3Rev<<4))
	}
}

func TestDistributorReadOnlyWriteIgnored(t *testing.T) {
	d := NewDistributor(DefaultConfig(1))
	before := d.iidr

	data := make([]byte, 4)
	putLE(data, 0xdeadbeef)
	d.WriteMMIO(regIIDR, data)

	if d.iidr != before {
		t.Fatalf("IIDR changed after write to read-only register: got %#x, want %#x", d.iidr, before)
	}
}

func TestDistributorEnablePendingRoundTrip(t *testing.T) {
	d := NewDistributor(DefaultConfig(1))

	data := make([]byte, 4)
	putLE(data, 1<<5) // IRQ 37 (bit 5 of the second ISENABLER word)
	d.WriteMMIO(regISENABLER+4, data)

	if !d.enabled[32+5] {
		t.Fatalf("IRQ 37 not enabled after ISENABLER write")
	}

	d.Raise(32+5, true)
	if !d.PendingEnabled() {
		t.Fatalf("PendingEnabled() = false, want true after raising an enabled IRQ")
	}

	d.Raise(32+5, false)
	if d.PendingEnabled() {
		t.Fatalf("PendingEnabled() = true after lowering the only pending IRQ")
	}
}

func TestDistributorNotifyOnPendingChange(t *testing.T) {
	d := NewDistributor(DefaultConfig(1))
	calls := 0
	d.SetNotify(func() { calls++ })

	d.Raise(10, true)
	d.Raise(10, true) // idempotent: should not notify twice
	d.Raise(10, false)

	if calls != 2 {
		t.Fatalf("notify called %d times, want 2 (one rising edge, one falling edge)", calls)
	}
}

func TestDistributorRouteRegisterRoundTrip(t *testing.T) {
	d := NewDistributor(DefaultConfig(1))

	data := make([]byte, 8)
	want := uint64(0x0102030405060708)
	for i := 0; i < 8; i++ {
		data[i] = byte(want >> (8 * i))
	}
	d.WriteMMIO(regIROUTER+32*8, data)

	got := make([]byte, 8)
	d.ReadMMIO(regIROUTER+32*8, got)
	for i := 0; i < 8; i++ {
		if got[i] != data[i] {
			t.Fatalf("IROUTER round-trip mismatch at byte %d: got %#x, want %#x", i, got[i], data[i])
		}
	}
}
