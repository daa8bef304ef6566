// Package machine is the composition root for the VM Orchestrator: it turns
// a Config (CLI flags or a YAML machine description) into a running guest.
package machine

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DiskConfig describes one virtio-blk backing file.
type DiskConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
}

// Config is the fully-resolved description of a VM to build and run. It can
// be assembled directly from CLI flags or loaded from a YAML machine
// description via LoadConfigFile, with flags taking precedence field by
// field (zero-value flag fields don't override a value set in the file).
type Config struct {
	CPUs      int    `yaml:"cpus"`
	Memory    string `yaml:"memory"`
	Kernel    string `yaml:"kernel"`
	Accel     string `yaml:"accel"`
	Initramfs string `yaml:"initramfs"`
	Cmdline   string `yaml:"cmdline"`

	Disks []DiskConfig `yaml:"disks"`
}

var memSpecPattern = regexp.MustCompile(`^[0-9]+[kKmMgG]?$`)

// ParseMemorySize parses the `/^[0-9]+[kKmMgG]?$/` memory spec grammar into
// a byte count ("512m" -> 512<<20).
func ParseMemorySize(spec string) (uint64, error) {
	if !memSpecPattern.MatchString(spec) {
		return 0, fmt.Errorf("invalid memory spec %q: expected digits followed by an optional k/m/g suffix", spec)
	}

	suffix := spec[len(spec)-1]
	numPart := spec
	var shift uint64
	switch suffix {
	case 'k', 'K':
		numPart, shift = spec[:len(spec)-1], 10
	case 'm', 'M':
		numPart, shift = spec[:len(spec)-1], 20
	case 'g', 'G':
		numPart, shift = spec[:len(spec)-1], 30
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory spec %q: %w", spec, err)
	}

	return n << shift, nil
}

// LoadConfigFile parses a YAML machine description (the ambient-stack
// `--config` addition: batch/scripted VM definitions without duplicating
// CLI flag parsing).
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Merge overlays non-zero fields of flags onto the receiver (typically a
// config file already loaded) and returns the result; flags win.
func (c Config) Merge(flags Config) Config {
	out := c

	if flags.CPUs != 0 {
		out.CPUs = flags.CPUs
	}
	if flags.Memory != "" {
		out.Memory = flags.Memory
	}
	if flags.Kernel != "" {
		out.Kernel = flags.Kernel
	}
	if flags.Accel != "" {
		out.Accel = flags.Accel
	}
	if flags.Initramfs != "" {
		out.Initramfs = flags.Initramfs
	}
	if flags.Cmdline != "" {
		out.Cmdline = flags.Cmdline
	}
	if len(flags.Disks) != 0 {
		out.Disks = flags.Disks
	}

	return out
}

// nativeAccelName is the accelerator backend this build links against,
// determined entirely at compile time by GOOS/GOARCH (internal/hv/factory
// picks exactly one of kvm/hvf per target, never both).
func nativeAccelName() string {
	switch {
	case runtime.GOOS == "linux":
		return "kvm"
	case runtime.GOOS == "darwin":
		return "hvf"
	default:
		return "unsupported"
	}
}

// validateAccel checks a requested --accel value against the backend this
// build actually links, so a mismatched flag fails fast with a clear error
// instead of silently running on the wrong accelerator.
func validateAccel(requested string) error {
	if requested == "" {
		return nil
	}
	want := strings.ToLower(strings.TrimSpace(requested))
	have := nativeAccelName()
	if want != have {
		return fmt.Errorf("requested accelerator %q but this build only supports %q (%s/%s)", requested, have, runtime.GOOS, runtime.GOARCH)
	}
	return nil
}
