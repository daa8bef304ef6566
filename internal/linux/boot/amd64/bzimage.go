// Package amd64 parses and places an x86_64 Linux bzImage into guest RAM.
//
// Support here is intentionally partial: the x86 boot path is secondary to
// AArch64 in this VMM, and the underlying hv.VirtualCPU register set does not
// expose segment/control registers, so only the register-programmable subset
// of the real-mode boot protocol (entry point, stack, zero-page pointer) can
// be driven. Header validation and memory placement are complete.
package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/vmm/internal/timeslice"
)

// Offsets into the Linux x86 boot setup header, relative to the start of the
// 512-byte real-mode boot sector (see Documentation/x86/boot.rst).
const (
	bootFlagOffset       = 0x1fe
	headerMagicOffset    = 0x202
	versionOffset        = 0x206
	setupSectsOffset     = 0x1f1
	loadFlagsOffset      = 0x211
	codeStartOffset      = 0x214
	kernelAlignOffset    = 0x230
	relocatableOffset    = 0x234
	minAlignmentOffset   = 0x235
	xloadflagsOffset     = 0x236
	cmdlineSizeOffset    = 0x238
	initrdAddrMaxOffset  = 0x22c
	prefAddressOffset    = 0x258
	initSizeOffset       = 0x260

	bootFlagValue  uint16 = 0xaa55
	headerMagic           = "HdrS"
	minProtocolVersion    = 0x206

	setupSectDefault = 4
	sectorSize       = 512
)

// InvalidKernelImage reports a bzImage that failed header validation.
type InvalidKernelImage struct {
	Reason string
}

func (e *InvalidKernelImage) Error() string {
	return fmt.Sprintf("invalid x86 kernel image: %s", e.Reason)
}

// Header captures the setup-header fields placement and ConfigureVCPU need.
type Header struct {
	ProtocolVersion   uint16
	LoadFlags         uint8
	SetupSects        uint8
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	InitrdAddrMax     uint32
	PrefAddress       uint64
	InitSize          uint32
	CodeStart         uint32
}

// KernelImage is a parsed, ready-to-place bzImage.
type KernelImage struct {
	Header      Header
	HeaderBytes []byte
	payload     []byte
	setupSize   int
}

var tsLinuxLoaderAMD64ProbeKernel = timeslice.RegisterKind("linux_loader_amd64_probe_kernel", 0)

// LoadKernel validates the bzImage setup header and extracts the protected-mode
// kernel payload (everything after the real-mode setup sectors).
func LoadKernel(reader io.ReaderAt, size int64) (*KernelImage, error) {
	rec := timeslice.NewRecorder()

	if size < sectorSize*2 {
		return nil, &InvalidKernelImage{Reason: "image shorter than minimum boot sector"}
	}

	header := make([]byte, sectorSize)
	if _, err := reader.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}

	if binary.LittleEndian.Uint16(header[bootFlagOffset:]) != bootFlagValue {
		return nil, &InvalidKernelImage{Reason: "missing 0xAA55 boot flag"}
	}
	if string(header[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return nil, &InvalidKernelImage{Reason: "missing HdrS signature"}
	}
	version := binary.LittleEndian.Uint16(header[versionOffset:])
	if version < minProtocolVersion {
		return nil, &InvalidKernelImage{Reason: fmt.Sprintf("boot protocol version %#x older than %#x", version, minProtocolVersion)}
	}

	setupSects := int(header[setupSectsOffset])
	if setupSects == 0 {
		setupSects = setupSectDefault
	}
	setupSize := (setupSects + 1) * sectorSize
	if int64(setupSize) >= size {
		return nil, &InvalidKernelImage{Reason: "setup size exceeds image size"}
	}

	rec.Record(tsLinuxLoaderAMD64ProbeKernel)

	payload := make([]byte, size-int64(setupSize))
	if _, err := reader.ReadAt(payload, int64(setupSize)); err != nil {
		return nil, fmt.Errorf("read protected-mode kernel payload: %w", err)
	}

	h := Header{
		ProtocolVersion:   version,
		LoadFlags:         header[loadFlagsOffset],
		SetupSects:        uint8(setupSects),
		KernelAlignment:   binary.LittleEndian.Uint32(header[kernelAlignOffset:]),
		RelocatableKernel: header[relocatableOffset],
		MinAlignment:      header[minAlignmentOffset],
		XLoadFlags:        binary.LittleEndian.Uint16(header[xloadflagsOffset:]),
		CmdlineSize:       binary.LittleEndian.Uint32(header[cmdlineSizeOffset:]),
		InitrdAddrMax:     binary.LittleEndian.Uint32(header[initrdAddrMaxOffset:]),
		PrefAddress:       binary.LittleEndian.Uint64(header[prefAddressOffset:]),
		InitSize:          binary.LittleEndian.Uint32(header[initSizeOffset:]),
		CodeStart:         binary.LittleEndian.Uint32(header[codeStartOffset:]),
	}
	if h.KernelAlignment == 0 {
		h.KernelAlignment = 0x200000
	}

	return &KernelImage{
		Header:      h,
		HeaderBytes: append([]byte(nil), header[setupSectsOffset:sectorSize]...),
		payload:     payload,
		setupSize:   setupSize,
	}, nil
}

// Payload returns the protected-mode kernel bytes that follow the real-mode
// setup sectors; this is what gets placed at the 32-bit entry point.
func (k *KernelImage) Payload() []byte {
	if k == nil {
		return nil
	}
	return k.payload
}

var errNilKernelImage = errors.New("amd64 kernel image is nil")
