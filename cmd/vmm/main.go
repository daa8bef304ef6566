// Command vmm boots a Linux guest under a host hypervisor backend (KVM on
// Linux, Hypervisor.framework on Darwin): parse config, build the VM, load
// the kernel and initrd, run the boot vCPU to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/machine"
)

func main() {
	// Hypervisor.framework calls must stay on the thread that created the VM.
	if runtime.GOOS == "darwin" {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cpus := fs.Int("cpus", 1, "number of vCPUs")
	memory := fs.String("memory", "256m", "guest memory size, e.g. 512m, 2g")
	kernel := fs.String("kernel", "", "path to the Linux kernel image (ARM64 Image or x86 bzImage)")
	accel := fs.String("accel", "", "hypervisor backend to require (kvm|hvf); defaults to whatever this build links")
	initramfs := fs.String("initramfs", "", "path to an initramfs/initrd image")
	cmdline := fs.String("cmdline", "", "kernel command line")
	configPath := fs.String("config", "", "path to a YAML machine description")
	disks := fs.String("disks", "", "comma-separated virtio-blk backing files")
	trace := fs.String("trace", "", "write an internal/debug structured trace log to this file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nBoot a Linux guest under this host's hypervisor backend.\n\nFlags:\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *trace != "" {
		if err := debug.OpenFile(*trace); err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer debug.Close()
		debug.Writef("vmm", "trace file opened: %s", *trace)
	}

	cfg := machine.Config{
		CPUs:      *cpus,
		Memory:    *memory,
		Kernel:    *kernel,
		Accel:     *accel,
		Initramfs: *initramfs,
		Cmdline:   *cmdline,
		Disks:     parseDisks(*disks),
	}

	if *configPath != "" {
		// Flags left at their defaults do not override the file's values.
		set := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["cpus"] {
			cfg.CPUs = 0
		}
		if !set["memory"] {
			cfg.Memory = ""
		}
		fileCfg, err := machine.LoadConfigFile(*configPath)
		if err != nil {
			return err
		}
		cfg = fileCfg.Merge(cfg)
		if cfg.Memory == "" {
			cfg.Memory = fs.Lookup("memory").DefValue
		}
	}

	vm, err := machine.Build(cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return vm.Run(ctx)
}

func parseDisks(spec string) []machine.DiskConfig {
	if spec == "" {
		return nil
	}

	var out []machine.DiskConfig
	for _, path := range strings.Split(spec, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		out = append(out, machine.DiskConfig{Path: path})
	}
	return out
}
