package gic

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// GICv3 implementer ID (ARM) and revision, used to assemble IIDR/PIDR2.
const (
	gicV3Rev    = 0x3
	armImplID   = 0x43b
	idBits      = 10
	itLinesBits = 0b11111
)

// Distributor register offsets within the single GICD MMIO frame.
const (
	regCTLR    = 0x0000
	regTYPER   = 0x0004
	regIIDR    = 0x0008
	regTYPER2  = 0x000c
	regSTATUSR = 0x0010
	regIGROUPR = 0x0080
	regISENABLER = 0x0100
	regICENABLER = 0x0180
	regISPENDR   = 0x0200
	regICPENDR   = 0x0280
	regISACTIVER = 0x0300
	regICACTIVER = 0x0380
	regIPRIORITYR = 0x0400
	regICFGR      = 0x0c00
	regIROUTER    = 0x6000
	regPIDR2      = 0xffe8
)

const bitsPerIRQ = 32 // one bit per IRQ in the IxENABLER/IxPENDR/IxACTIVER arrays

// Distributor is the GICv3 Distributor: one shared MMIO frame holding
// read-only identification registers (typer, iidr, typer2, pidr2, computed
// once at construction per the architectural bit layout) plus the per-IRQ
// group/enable/pending/active/priority/config state for all SPIs.
type Distributor struct {
	mu sync.Mutex

	typer   uint32
	iidr    uint32
	typer2  uint32
	pidr2   uint32

	numIRQs int

	group    []bool
	enabled  []bool
	pending  []bool
	active   []bool
	priority []byte
	cfgEdge  []bool // true = edge-triggered, false = level-sensitive
	route    []uint64

	// notify is invoked whenever the overall "any SPI pending+enabled"
	// state may have changed, so the owning vCPU pipeline can re-evaluate
	// whether to assert the line into the guest.
	notify func()
}

// NewDistributor builds a Distributor with its identification registers
// computed from cfg, following the GICv3 architectural layout exactly:
// ITLinesNumber=0b11111, IDBits=10, SecurityExtn=0 (two-security-state
// configurations are rejected by this emulation), CPUNumber=(NumCPUs-1)
// when ARE is off.
func NewDistributor(cfg Config) *Distributor {
	numIRQs := cfg.NumIRQs
	if numIRQs <= 0 {
		numIRQs = 256
	}
	// Round up to a multiple of 32 the way ITLinesNumber implies.
	numIRQs = (numIRQs + 31) &^ 31

	var cpuNumber uint32
	if !cfg.ARE {
		cpuNumber = uint32(cfg.NumCPUs) - 1
	}

	typer := (uint32(0) << 27) | // ESPI_range
		(uint32(0) << 26) | // RSS
		(uint32(0) << 25) | // No1N
		(uint32(0) << 24) | // A3V
		(uint32(idBits) << 19) |
		(uint32(0) << 18) | // DVIS
		(uint32(0) << 17) | // LPIS
		(b2u(cfg.MBIS) << 16) |
		(uint32(0) << 11) | // num_LPIs
		(uint32(0) << 10) | // SecurityExtn: always single-security-state
		(b2u(cfg.NMI) << 9) |
		(uint32(0) << 8) | // ESPI
		(cpuNumber << 5) |
		uint32(itLinesBits)

	iidr := armImplID // productID=0, variant=0, revision=0

	d := &Distributor{
		typer:    typer,
		iidr:     uint32(iidr),
		typer2:   0,
		pidr2:    gicV3Rev << 4,
		numIRQs:  numIRQs,
		group:    make([]bool, numIRQs),
		enabled:  make([]bool, numIRQs),
		pending:  make([]bool, numIRQs),
		active:   make([]bool, numIRQs),
		priority: make([]byte, numIRQs),
		cfgEdge:  make([]bool, numIRQs),
		route:    make([]uint64, numIRQs),
	}
	return d
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// SetNotify installs the callback invoked after any write that may change
// pending-and-enabled state.
func (d *Distributor) SetNotify(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = fn
}

// Raise sets or clears an SPI's pending state (level-sensitive signalling).
// Repeated calls with the same level are idempotent.
func (d *Distributor) Raise(irq uint32, active bool) {
	d.mu.Lock()
	changed := false
	if int(irq) < len(d.pending) && d.pending[irq] != active {
		d.pending[irq] = active
		changed = true
	}
	notify := d.notify
	d.mu.Unlock()
	if changed && notify != nil {
		notify()
	}
}

// Pulse marks irq pending for one edge-triggered delivery (MSI semantics).
func (d *Distributor) Pulse(irq uint32) {
	d.mu.Lock()
	if int(irq) < len(d.pending) {
		d.pending[irq] = true
	}
	notify := d.notify
	d.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// PendingEnabled reports whether any IRQ is both pending and enabled, i.e.
// whether the line into the CPU interface should be asserted.
func (d *Distributor) PendingEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.pending {
		if d.pending[i] && d.enabled[i] {
			return true
		}
	}
	return false
}

// ReadMMIO implements the Distributor's MMIO frame read side.
func (d *Distributor) ReadMMIO(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == regCTLR:
		putLE(data, 0) // GICD_CTLR: group1 enabled is implicit in this emulation
	case offset == regTYPER:
		putLE(data, d.typer)
	case offset == regIIDR:
		putLE(data, d.iidr)
	case offset == regTYPER2:
		putLE(data, d.typer2)
	case offset == regSTATUSR:
		putLE(data, 0)
	case offset == regPIDR2:
		putLE(data, d.pidr2)
	case inArray(offset, regIGROUPR, d.numIRQs/8):
		putLE(data, packBits(d.group, int(offset-regIGROUPR)*8))
	case inArray(offset, regISENABLER, d.numIRQs/8):
		putLE(data, packBits(d.enabled, int(offset-regISENABLER)*8))
	case inArray(offset, regICENABLER, d.numIRQs/8):
		putLE(data, packBits(d.enabled, int(offset-regICENABLER)*8))
	case inArray(offset, regISPENDR, d.numIRQs/8):
		putLE(data, packBits(d.pending, int(offset-regISPENDR)*8))
	case inArray(offset, regICPENDR, d.numIRQs/8):
		putLE(data, packBits(d.pending, int(offset-regICPENDR)*8))
	case inArray(offset, regISACTIVER, d.numIRQs/8):
		putLE(data, packBits(d.active, int(offset-regISACTIVER)*8))
	case inArray(offset, regICACTIVER, d.numIRQs/8):
		putLE(data, packBits(d.active, int(offset-regICACTIVER)*8))
	case inArray(offset, regIPRIORITYR, d.numIRQs):
		idx := int(offset - regIPRIORITYR)
		for i := 0; i < len(data) && idx+i < len(d.priority); i++ {
			data[i] = d.priority[idx+i]
		}
	case inArray(offset, regICFGR, d.numIRQs/4):
		putLE(data, packCfg(d.cfgEdge, int(offset-regICFGR)*4))
	case inArray(offset, regIROUTER, d.numIRQs*8):
		idx := int(offset-regIROUTER) / 8
		if idx < len(d.route) {
			binary.LittleEndian.PutUint64(widen(data, 8), d.route[idx])
		}
	default:
		slog.Warn("gic: distributor read from unimplemented register", "offset", offset)
	}
}

// WriteMMIO implements the Distributor's MMIO frame write side. Writes to
// read-only registers (TYPER, IIDR, TYPER2, PIDR2) are logged and ignored.
func (d *Distributor) WriteMMIO(offset uint64, data []byte) {
	d.mu.Lock()
	notify := false
	switch {
	case offset == regCTLR:
		// group/ARE enable bits: accepted, no further emulation needed.
	case offset == regTYPER, offset == regIIDR, offset == regTYPER2, offset == regPIDR2:
		slog.Warn("gic: write to read-only distributor register ignored", "offset", offset)
	case inArray(offset, regIGROUPR, d.numIRQs/8):
		setBits(d.group, int(offset-regIGROUPR)*8, getLE(data), true)
	case inArray(offset, regISENABLER, d.numIRQs/8):
		setBits(d.enabled, int(offset-regISENABLER)*8, getLE(data), true)
		notify = true
	case inArray(offset, regICENABLER, d.numIRQs/8):
		setBits(d.enabled, int(offset-regICENABLER)*8, getLE(data), false)
	case inArray(offset, regISPENDR, d.numIRQs/8):
		setBits(d.pending, int(offset-regISPENDR)*8, getLE(data), true)
		notify = true
	case inArray(offset, regICPENDR, d.numIRQs/8):
		setBits(d.pending, int(offset-regICPENDR)*8, getLE(data), false)
	case inArray(offset, regISACTIVER, d.numIRQs/8):
		setBits(d.active, int(offset-regISACTIVER)*8, getLE(data), true)
	case inArray(offset, regICACTIVER, d.numIRQs/8):
		setBits(d.active, int(offset-regICACTIVER)*8, getLE(data), false)
	case inArray(offset, regIPRIORITYR, d.numIRQs):
		idx := int(offset - regIPRIORITYR)
		for i := 0; i < len(data) && idx+i < len(d.priority); i++ {
			d.priority[idx+i] = data[i]
		}
	case inArray(offset, regICFGR, d.numIRQs/4):
		setCfg(d.cfgEdge, int(offset-regICFGR)*4, getLE(data))
	case inArray(offset, regIROUTER, d.numIRQs*8):
		idx := int(offset-regIROUTER) / 8
		if idx < len(d.route) && len(data) >= 8 {
			d.route[idx] = binary.LittleEndian.Uint64(data)
		}
	default:
		slog.Warn("gic: distributor write to unimplemented register ignored", "offset", offset)
	}
	fn := d.notify
	d.mu.Unlock()
	if notify && fn != nil {
		fn()
	}
}

func inArray(offset, base uint64, count int) bool {
	return offset >= base && offset < base+uint64(count)
}

func putLE(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(widen(dst, 4), v)
}

func getLE(src []byte) uint32 {
	return binary.LittleEndian.Uint32(widen(append([]byte{}, src...), 4))
}

// widen pads or truncates buf to exactly n bytes so partial-width MMIO
// accesses (1/2-byte) never index out of range.
func widen(buf []byte, n int) []byte {
	if len(buf) >= n {
		return buf[:n]
	}
	out := make([]byte, n)
	copy(out, buf)
	return out
}

func packBits(bits []bool, startBit int) uint32 {
	var v uint32
	for i := 0; i < 32 && startBit+i < len(bits); i++ {
		if bits[startBit+i] {
			v |= 1 << uint(i)
		}
	}
	return v
}

func setBits(bits []bool, startBit int, value uint32, set bool) {
	for i := 0; i < 32 && startBit+i < len(bits); i++ {
		if value&(1<<uint(i)) != 0 {
			bits[startBit+i] = set
		}
	}
}

func packCfg(edge []bool, startIRQ int) uint32 {
	var v uint32
	for i := 0; i < 16 && startIRQ+i < len(edge); i++ {
		if edge[startIRQ+i] {
			v |= 1 << uint(i*2+1)
		}
	}
	return v
}

func setCfg(edge []bool, startIRQ int, value uint32) {
	for i := 0; i < 16 && startIRQ+i < len(edge); i++ {
		edge[startIRQ+i] = value&(1<<uint(i*2+1)) != 0
	}
}
