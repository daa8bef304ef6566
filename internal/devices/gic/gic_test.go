package gic

import (
	"testing"

	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/timeslice"
)

type mockExitContext struct{}

func (m *mockExitContext) SetExitTimeslice(id timeslice.TimesliceID) {}

func TestControllerMMIORegions(t *testing.T) {
	c := NewController(Config{NumCPUs: 2, NumIRQs: 64, ARE: true}, 0x08000000, 0x080a0000)

	regions := c.MMIORegions()
	if len(regions) != 3 {
		t.Fatalf("MMIORegions() returned %d regions, want 3 (1 distributor + 2 redistributors)", len(regions))
	}
	if regions[0].Address != 0x08000000 || regions[0].Size != DistributorMMIOSize {
		t.Fatalf("distributor region = %+v", regions[0])
	}
	if regions[1].Address != 0x080a0000 {
		t.Fatalf("redistributor 0 region = %+v", regions[1])
	}
	if regions[2].Address != 0x080a0000+RedistributorFrameSize {
		t.Fatalf("redistributor 1 region = %+v", regions[2])
	}
}

func TestControllerRoutesMMIOToDistributor(t *testing.T) {
	c := NewController(Config{NumCPUs: 1, NumIRQs: 64, ARE: true}, 0x08000000, 0x080a0000)

	data := make([]byte, 4)
	if err := c.ReadMMIO(&mockExitContext{}, 0x08000000+regIIDR, data); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if getLE(data) != armImplID {
		t.Fatalf("IIDR via controller = %#x, want %#x", getLE(data), uint32(armImplID))
	}
}

func TestControllerRoutesMMIOToRedistributor(t *testing.T) {
	c := NewController(Config{NumCPUs: 2, NumIRQs: 64, ARE: true}, 0x08000000, 0x080a0000)

	data := make([]byte, 4)
	secondFrame := 0x080a0000 + RedistributorFrameSize + rdWAKER
	if err := c.ReadMMIO(&mockExitContext{}, secondFrame, data); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if getLE(data) != 0 {
		t.Fatalf("WAKER via controller = %#x, want 0", getLE(data))
	}
}

func TestControllerMMIOOutOfRange(t *testing.T) {
	c := NewController(Config{NumCPUs: 1, NumIRQs: 64, ARE: true}, 0x08000000, 0x080a0000)

	data := make([]byte, 4)
	if err := c.ReadMMIO(&mockExitContext{}, 0xffffffff, data); err == nil {
		t.Fatal("expected error for out-of-range MMIO address")
	}
}

func TestControllerTriggerIRQAndSendMSI(t *testing.T) {
	c := NewController(Config{NumCPUs: 1, NumIRQs: 64, ARE: true}, 0x08000000, 0x080a0000)

	c.TriggerIRQ(40, true)
	if !c.distributor.pending[40] {
		t.Fatalf("TriggerIRQ(40, true) did not mark IRQ 40 pending")
	}

	if err := c.SendMSI(41); err != nil {
		t.Fatalf("SendMSI: %v", err)
	}
	if !c.distributor.pending[41] {
		t.Fatalf("SendMSI(41) did not mark IRQ 41 pending")
	}
}

func TestControllerWriteDeviceTree(t *testing.T) {
	c := NewController(Config{NumCPUs: 2, NumIRQs: 64, ARE: true}, 0x08000000, 0x080a0000)

	root := &fdt.Node{Name: "soc"}
	phandle, err := c.WriteDeviceTree(root)
	if err != nil {
		t.Fatalf("WriteDeviceTree: %v", err)
	}
	if phandle == 0 {
		t.Fatal("WriteDeviceTree returned phandle 0")
	}
	if len(root.Children) != 1 {
		t.Fatalf("WriteDeviceTree appended %d children, want 1", len(root.Children))
	}

	node := root.Children[0]
	prop, ok := node.Properties["compatible"]
	if !ok || len(prop.Strings) == 0 || prop.Strings[0] != "arm,gic-v3" {
		t.Fatalf("compatible property = %+v, want arm,gic-v3", prop)
	}
	if _, ok := node.Properties["interrupt-controller"]; !ok {
		t.Fatal("missing interrupt-controller property")
	}
}
