package gic

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// RedistributorFrameSize is the stride between a vCPU's RD_base and the
// next vCPU's RD_base: two 64 KiB frames (RD_base, SGI_base). The stride
// stays two frames when Config.VLPIs is set; no VLPI frames are laid out.
const RedistributorFrameSize = 2 * 64 * 1024

const redistributorSGIOffset = 0x10000

// Redistributor register offsets, relative to its own RD_base frame.
const (
	rdCTLR  = 0x0000
	rdIIDR  = 0x0004
	rdTYPER = 0x0008
	rdSTATUSR = 0x0010
	rdWAKER = 0x0014
	rdPIDR2 = 0xffe8
)

// SGI_base-relative offsets (add redistributorSGIOffset to get the absolute
// offset within the redistributor's combined frame pair).
const (
	rdIGROUPR0   = 0x0080
	rdISENABLER0 = 0x0100
	rdICENABLER0 = 0x0180
	rdISPENDR0   = 0x0200
	rdICPENDR0   = 0x0280
	rdISACTIVER0 = 0x0300
	rdICACTIVER0 = 0x0380
	rdIPRIORITYR = 0x0400
	rdICFGR0     = 0x0c00
	rdICFGR1     = 0x0c04
)

// Redistributor is one per-vCPU GICv3 redistributor: an RD_base frame
// (wake/control/identification) plus an SGI_base frame (the 32 SGI/PPI
// group/enable/pending/active/priority/config registers, mirroring the
// distributor's layout but scoped to IDs 0-31).
type Redistributor struct {
	mu sync.Mutex

	cpu   int
	ctlr  uint32
	typer uint64
	pidr2 uint32

	group    [32]bool
	enabled  [32]bool
	pending  [32]bool
	active   [32]bool
	priority [32]byte
	cfgEdge  [32]bool
}

// NewRedistributor builds the redistributor for vCPU index cpu out of
// numCPUs, computing TYPER.Last per the architectural rule (set on the
// highest-numbered redistributor in the region).
func NewRedistributor(cfg Config, cpu int) *Redistributor {
	var last uint64
	if cpu == cfg.NumCPUs-1 {
		last = 1
	}
	var vlpis uint64
	if cfg.VLPIs {
		vlpis = 1
	}
	typer := (uint64(cpu) << 32) | // Affinity_Value: identity by redistributor index, not modelled further
		(last << 4) |
		(vlpis << 1)

	return &Redistributor{
		cpu:   cpu,
		typer: typer,
		pidr2: gicV3Rev << 4,
	}
}

// ReadMMIO reads from this redistributor's own frame pair at the given
// offset (already relative to this redistributor's RD_base).
func (r *Redistributor) ReadMMIO(offset uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == rdCTLR:
		putLE(data, r.ctlr)
	case offset == rdIIDR:
		putLE(data, uint32(armImplID))
	case offset == rdTYPER:
		if len(data) >= 8 {
			binary.LittleEndian.PutUint64(data, r.typer)
		} else {
			putLE(data, uint32(r.typer))
		}
	case offset == rdSTATUSR:
		putLE(data, 0)
	case offset == rdWAKER:
		putLE(data, 0) // ChildrenAsleep/ProcessorSleep both clear: always awake
	case offset == rdPIDR2:
		putLE(data, r.pidr2)
	case offset == redistributorSGIOffset+rdIGROUPR0:
		putLE(data, packBits(r.group[:], 0))
	case offset == redistributorSGIOffset+rdISENABLER0, offset == redistributorSGIOffset+rdICENABLER0:
		putLE(data, packBits(r.enabled[:], 0))
	case offset == redistributorSGIOffset+rdISPENDR0, offset == redistributorSGIOffset+rdICPENDR0:
		putLE(data, packBits(r.pending[:], 0))
	case offset == redistributorSGIOffset+rdISACTIVER0, offset == redistributorSGIOffset+rdICACTIVER0:
		putLE(data, packBits(r.active[:], 0))
	case offset >= redistributorSGIOffset+rdIPRIORITYR && offset < redistributorSGIOffset+rdIPRIORITYR+32:
		idx := int(offset - (redistributorSGIOffset + rdIPRIORITYR))
		for i := 0; i < len(data) && idx+i < 32; i++ {
			data[i] = r.priority[idx+i]
		}
	case offset == redistributorSGIOffset+rdICFGR0:
		putLE(data, packCfg(r.cfgEdge[:], 0))
	case offset == redistributorSGIOffset+rdICFGR1:
		putLE(data, packCfg(r.cfgEdge[:], 16))
	default:
		slog.Warn("gic: redistributor read from unimplemented register", "cpu", r.cpu, "offset", offset)
	}
}

// WriteMMIO writes to this redistributor's frame pair. WAKER, TYPER, IIDR
// and PIDR2 are read-only here; writes are logged and ignored.
func (r *Redistributor) WriteMMIO(offset uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == rdCTLR:
		r.ctlr = getLE(data)
	case offset == rdWAKER, offset == rdTYPER, offset == rdIIDR, offset == rdPIDR2:
		slog.Warn("gic: write to read-only redistributor register ignored", "cpu", r.cpu, "offset", offset)
	case offset == redistributorSGIOffset+rdIGROUPR0:
		setBits(r.group[:], 0, getLE(data), true)
	case offset == redistributorSGIOffset+rdISENABLER0:
		setBits(r.enabled[:], 0, getLE(data), true)
	case offset == redistributorSGIOffset+rdICENABLER0:
		setBits(r.enabled[:], 0, getLE(data), false)
	case offset == redistributorSGIOffset+rdISPENDR0:
		setBits(r.pending[:], 0, getLE(data), true)
	case offset == redistributorSGIOffset+rdICPENDR0:
		setBits(r.pending[:], 0, getLE(data), false)
	case offset == redistributorSGIOffset+rdISACTIVER0:
		setBits(r.active[:], 0, getLE(data), true)
	case offset == redistributorSGIOffset+rdICACTIVER0:
		setBits(r.active[:], 0, getLE(data), false)
	case offset >= redistributorSGIOffset+rdIPRIORITYR && offset < redistributorSGIOffset+rdIPRIORITYR+32:
		idx := int(offset - (redistributorSGIOffset + rdIPRIORITYR))
		for i := 0; i < len(data) && idx+i < 32; i++ {
			r.priority[idx+i] = data[i]
		}
	case offset == redistributorSGIOffset+rdICFGR0:
		setCfg(r.cfgEdge[:], 0, getLE(data))
	case offset == redistributorSGIOffset+rdICFGR1:
		setCfg(r.cfgEdge[:], 16, getLE(data))
	default:
		slog.Warn("gic: redistributor write to unimplemented register ignored", "cpu", r.cpu, "offset", offset)
	}
}
