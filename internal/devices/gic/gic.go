package gic

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/fdt"
	"github.com/tinyrange/vmm/internal/hv"
)

// gicPhandle is the fixed device-tree phandle this emulation assigns to its
// own interrupt-controller node. There is exactly one GIC per machine, so a
// single fixed value is sufficient.
const gicPhandle = 1

// InterruptController is the abstract IRQ line / MSI sink contract shared by
// this emulation and host GIC passthrough (see internal/hv/kvm for the
// kernel-accelerated alternative).
type InterruptController interface {
	TriggerIRQ(line uint32, active bool)
	SendMSI(intid uint32) error
	WriteDeviceTree(root *fdt.Node) (uint32, error)
}

// Controller wires one Distributor and one Redistributor per vCPU, and
// exposes the combined MMIO frames (GICD followed by the per-vCPU GICR
// region) as one hv.MemoryMappedIODevice. The Distributor and each
// Redistributor carry their own lock; Controller holds none, so no lock
// spans more than one frame.
type Controller struct {
	distributorBase   uint64
	redistributorBase uint64

	distributor    *Distributor
	redistributors []*Redistributor
}

// NewController builds the emulated GICv3: a Distributor at
// distributorBase (one 64 KiB frame) and cfg.NumCPUs Redistributors
// starting at redistributorBase, each occupying RedistributorFrameSize.
func NewController(cfg Config, distributorBase, redistributorBase uint64) *Controller {
	c := &Controller{
		distributorBase:   distributorBase,
		redistributorBase: redistributorBase,
		distributor:       NewDistributor(cfg),
	}
	for i := 0; i < cfg.NumCPUs; i++ {
		c.redistributors = append(c.redistributors, NewRedistributor(cfg, i))
	}
	c.distributor.SetNotify(c.reevaluate)
	return c
}

// reevaluate is invoked by the Distributor whenever pending-and-enabled
// state may have changed. This emulation has no per-vCPU line-assertion
// callback wired yet (see DESIGN.md); it exists as the hook a vCPU exit
// pipeline would subscribe to.
func (c *Controller) reevaluate() {}

// TriggerIRQ implements InterruptController for level-sensitive SPIs.
func (c *Controller) TriggerIRQ(line uint32, active bool) {
	c.distributor.Raise(line, active)
}

// SendMSI implements InterruptController for edge-triggered/MSI delivery.
func (c *Controller) SendMSI(intid uint32) error {
	c.distributor.Pulse(intid)
	return nil
}

// WriteDeviceTree appends the GICv3 interrupt-controller node as a child of
// root and returns its phandle, for other nodes' interrupt-parent property.
func (c *Controller) WriteDeviceTree(root *fdt.Node) (uint32, error) {
	if root == nil {
		return 0, fmt.Errorf("gic: WriteDeviceTree: root is nil")
	}

	regs := []uint64{
		c.distributorBase, DistributorMMIOSize,
		c.redistributorBase, uint64(len(c.redistributors)) * RedistributorFrameSize,
	}

	root.Children = append(root.Children, fdt.Node{
		Name: fmt.Sprintf("interrupt-controller@%x", c.distributorBase),
		Properties: map[string]fdt.Property{
			"compatible":       {Strings: []string{"arm,gic-v3"}},
			"#interrupt-cells": {U32: []uint32{3}},
			"#address-cells":   {U32: []uint32{0}},
			"interrupt-controller": {Flag: true},
			"reg":              {U64: regs},
			"phandle":          {U32: []uint32{gicPhandle}},
		},
	})
	return gicPhandle, nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (c *Controller) MMIORegions() []hv.MMIORegion {
	regions := []hv.MMIORegion{
		{Address: c.distributorBase, Size: DistributorMMIOSize},
	}
	for i := range c.redistributors {
		regions = append(regions, hv.MMIORegion{
			Address: c.redistributorBase + uint64(i)*RedistributorFrameSize,
			Size:    RedistributorFrameSize,
		})
	}
	return regions
}

// Init implements hv.Device.
func (c *Controller) Init(vm hv.VirtualMachine) error { return nil }

// ReadMMIO implements hv.MemoryMappedIODevice, routing addr to whichever
// frame (Distributor or one vCPU's Redistributor pair) it falls within.
func (c *Controller) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	handler, offset, err := c.resolve(addr)
	if err != nil {
		return err
	}
	handler.readMMIO(offset, data)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (c *Controller) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	handler, offset, err := c.resolve(addr)
	if err != nil {
		return err
	}
	handler.writeMMIO(offset, data)
	return nil
}

// mmioFrame is satisfied by *Distributor and *Redistributor.
type mmioFrame interface {
	readMMIO(offset uint64, data []byte)
	writeMMIO(offset uint64, data []byte)
}

func (d *Distributor) readMMIO(offset uint64, data []byte)  { d.ReadMMIO(offset, data) }
func (d *Distributor) writeMMIO(offset uint64, data []byte) { d.WriteMMIO(offset, data) }

func (r *Redistributor) readMMIO(offset uint64, data []byte)  { r.ReadMMIO(offset, data) }
func (r *Redistributor) writeMMIO(offset uint64, data []byte) { r.WriteMMIO(offset, data) }

func (c *Controller) resolve(addr uint64) (mmioFrame, uint64, error) {
	if addr >= c.distributorBase && addr < c.distributorBase+DistributorMMIOSize {
		return c.distributor, addr - c.distributorBase, nil
	}
	if addr >= c.redistributorBase {
		span := addr - c.redistributorBase
		idx := int(span / RedistributorFrameSize)
		if idx < len(c.redistributors) {
			return c.redistributors[idx], span % RedistributorFrameSize, nil
		}
	}
	return nil, 0, fmt.Errorf("gic: address 0x%x out of range", addr)
}

var (
	_ hv.Device               = (*Controller)(nil)
	_ hv.MemoryMappedIODevice = (*Controller)(nil)
	_ InterruptController     = (*Controller)(nil)
)

// DistributorMMIOSize is the size of the single GICD frame.
const DistributorMMIOSize = 0x10000
