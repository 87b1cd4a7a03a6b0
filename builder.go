// Package capsa launches hardware-virtualized Linux guests and hands
// back handles for lifecycle control, console automation, and pooling.
// A Builder resolves the caller's intent into a config.Config, picks
// the first usable backend on the host, and produces a Handle in the
// Created state.
package capsa

import (
	"fmt"
	"os"
	"time"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
)

const (
	defaultVCPUs     = 1
	defaultMemMiB    = 512
	defaultStopGrace = 30 * time.Second
)

// Builder accumulates typed configuration and validates it on Build.
// Setters return the builder for chaining and never fail; everything
// that can go wrong surfaces from Build.
type Builder struct {
	kernel string
	initrd string

	vcpus  int
	memMiB int

	disks     []config.DiskImage
	shares    []config.SharedDir
	fsDevices []config.FsDevice

	network config.NetworkMode
	console config.ConsoleMode
	vsock   bool

	stopGrace time.Duration
	timeout   time.Duration

	args       *cmdline.Cmdline
	override   string
	overridden bool

	backends []backend.Backend
}

func New() *Builder {
	return &Builder{
		args:    cmdline.New(),
		network: config.NoNetwork(),
	}
}

// Kernel sets the kernel image to boot directly. The KVM backend
// loads it as an x86 bzImage.
func (b *Builder) Kernel(path string) *Builder {
	b.kernel = path

	return b
}

func (b *Builder) Initrd(path string) *Builder {
	b.initrd = path

	return b
}

func (b *Builder) VCPUs(n int) *Builder {
	b.vcpus = n

	return b
}

func (b *Builder) MemoryMiB(n int) *Builder {
	b.memMiB = n

	return b
}

// Disk attaches a writable raw disk image. Disks appear in the guest
// as /dev/vda, /dev/vdb, ... in attachment order.
func (b *Builder) Disk(path string) *Builder {
	return b.DiskImage(config.DiskImage{Path: path})
}

func (b *Builder) DiskReadOnly(path string) *Builder {
	return b.DiskImage(config.DiskImage{Path: path, ReadOnly: true})
}

func (b *Builder) DiskImage(d config.DiskImage) *Builder {
	b.disks = append(b.disks, d)

	return b
}

// Share exposes a host directory to the guest. The guest path is
// informational; the guest mounts the device by its generated tag.
func (b *Builder) Share(hostPath, guestPath string, mode config.ShareMode) *Builder {
	b.shares = append(b.shares, config.SharedDir{
		HostPath:  hostPath,
		GuestPath: guestPath,
		Mode:      mode,
	})

	return b
}

// FsDevice attaches a fully specified virtio-fs device, including the
// mount tag and id mapping.
func (b *Builder) FsDevice(dev config.FsDevice) *Builder {
	b.fsDevices = append(b.fsDevices, dev)

	return b
}

func (b *Builder) Network(mode config.NetworkMode) *Builder {
	b.network = mode

	return b
}

func (b *Builder) WithConsole() *Builder {
	b.console = config.ConsoleEnabled

	return b
}

func (b *Builder) WithVsock() *Builder {
	b.vsock = true

	return b
}

// StopGrace bounds how long Stop waits for a graceful shutdown before
// escalating to Kill. The default is 30 seconds.
func (b *Builder) StopGrace(d time.Duration) *Builder {
	b.stopGrace = d

	return b
}

// Timeout bounds the whole guest lifetime. Zero means unbounded.
func (b *Builder) Timeout(d time.Duration) *Builder {
	b.timeout = d

	return b
}

func (b *Builder) CmdlineArg(key, value string) *Builder {
	b.args.Arg(key, value)

	return b
}

func (b *Builder) CmdlineFlag(name string) *Builder {
	b.args.AddFlag(name)

	return b
}

// CmdlineOverride replaces the composed kernel command line entirely,
// disabling the backend-defaults and root-device layers.
func (b *Builder) CmdlineOverride(s string) *Builder {
	b.override = s
	b.overridden = true

	return b
}

// Backends replaces the platform candidate list. The default is the
// set compiled in for the host OS.
func (b *Builder) Backends(candidates ...backend.Backend) *Builder {
	b.backends = candidates

	return b
}

// Build resolves and validates the configuration, selects a backend,
// and returns a Handle in the Created state.
func (b *Builder) Build() (*Handle, error) {
	r, err := b.resolve()
	if err != nil {
		return nil, err
	}

	return newHandle(r.be, r.cfg), nil
}

type resolved struct {
	be  backend.Backend
	cfg *config.Config
}

func (b *Builder) resolve() (*resolved, error) {
	if b.kernel == "" {
		return nil, fmt.Errorf("%w: kernel image", errdefs.ErrMissingConfig)
	}

	cfg := &config.Config{
		Kernel: b.kernel,
		Initrd: b.initrd,

		VCPUs:  b.vcpus,
		MemMiB: b.memMiB,

		Disks:     append([]config.DiskImage(nil), b.disks...),
		Shares:    append([]config.SharedDir(nil), b.shares...),
		FsDevices: append([]config.FsDevice(nil), b.fsDevices...),

		Network: b.network,
		Console: b.console,
		Vsock:   b.vsock,

		StopGrace: b.stopGrace,
		Timeout:   b.timeout,
	}

	if cfg.VCPUs == 0 {
		cfg.VCPUs = defaultVCPUs
	}

	if cfg.MemMiB == 0 {
		cfg.MemMiB = defaultMemMiB
	}

	if cfg.StopGrace == 0 {
		cfg.StopGrace = defaultStopGrace
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := validateDiskFiles(cfg.Disks); err != nil {
		return nil, err
	}

	candidates := b.backends
	if candidates == nil {
		candidates = platformBackends()
	}

	be, err := backend.Select(cfg, candidates...)
	if err != nil {
		return nil, err
	}

	cfg.Cmdline = b.composeCmdline(be, len(cfg.Disks) > 0)

	return &resolved{be: be, cfg: cfg}, nil
}

// composeCmdline layers backend defaults, the root device, and the
// user's additions, in that order. An override short-circuits the
// composition.
func (b *Builder) composeCmdline(be backend.Backend, hasDisk bool) *cmdline.Cmdline {
	if b.overridden {
		return cmdline.New().Override(b.override)
	}

	c := be.CmdlineDefaults()

	if hasDisk {
		c.Root(be.DefaultRootDevice())
	}

	return c.Merge(b.args)
}

// validateDiskFiles checks images up front so a missing or unwritable
// path fails the build instead of the boot.
func validateDiskFiles(disks []config.DiskImage) error {
	for _, d := range disks {
		if d.ReadOnly {
			if _, err := os.Stat(d.Path); err != nil {
				return fmt.Errorf("%w: disk %s: %v", errdefs.ErrInvalidConfig, d.Path, err)
			}

			continue
		}

		f, err := os.OpenFile(d.Path, os.O_WRONLY, 0)
		if err != nil {
			return fmt.Errorf("%w: disk %s not writable: %v", errdefs.ErrInvalidConfig, d.Path, err)
		}

		f.Close()
	}

	return nil
}
