// Package gic implements a pure-software emulation of an ARM GICv3
// interrupt controller: a Distributor plus one Redistributor per vCPU. It
// is the fallback Interrupt Controller implementation used when the host
// hypervisor backend has no kernel-accelerated vGIC (see
// internal/hv/kvm/kvm_arm64_vgic.go for the passthrough alternative); both
// satisfy the same abstract contract (TriggerIRQ / SendMSI / WriteDeviceTree).
package gic

// Config parameterises the computed read-only identification registers
// (typer, iidr, pidr2) the GICv3 spec requires.
type Config struct {
	// NumCPUs is the number of redistributors (one per vCPU).
	NumCPUs int
	// NumIRQs is the number of supported interrupt IDs, rounded up
	// internally to a multiple of 32 as GICD_TYPER.ITLinesNumber requires.
	NumIRQs int
	// ARE reports whether Affinity Routing is enabled. When false,
	// GICD_TYPER.CPUNumber carries NumCPUs-1 per the spec.
	ARE bool
	// MBIS, NMI, VLPIs mirror the source configuration's optional
	// feature bits; all default to disabled (false) for this emulation.
	MBIS  bool
	NMI   bool
	VLPIs bool
}

// DefaultConfig returns a Config matching the common single-security-state,
// no-LPI configuration this emulation targets.
func DefaultConfig(numCPUs int) Config {
	return Config{
		NumCPUs: numCPUs,
		NumIRQs: 256,
		ARE:     true,
	}
}
