// Package config holds the resolved, backend-facing VM configuration
// types. A Config is produced by the builder in the root package and
// consumed by a backend's Start; it is treated as immutable from then
// on.
package config

import (
	"fmt"
	"time"

	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/errdefs"
)

// MaxFsTagLen is the virtio-fs mount-tag limit in bytes.
const MaxFsTagLen = 36

// DiskFormat names an on-disk image format.
type DiskFormat int

const (
	DiskFormatRaw DiskFormat = iota
	DiskFormatQcow2
)

func (f DiskFormat) String() string {
	if f == DiskFormatQcow2 {
		return "qcow2"
	}

	return "raw"
}

// DiskImage is a host-side disk image attached to the guest. Disks
// appear in the guest as /dev/vda, /dev/vdb, ... in insertion order.
type DiskImage struct {
	Path     string
	Format   DiskFormat
	ReadOnly bool
}

// ShareMode selects read-only or read-write access for a share.
type ShareMode int

const (
	ShareRO ShareMode = iota
	ShareRW
)

// ShareMechanism selects how a shared directory reaches the guest.
type ShareMechanism int

const (
	ShareAuto ShareMechanism = iota
	ShareVirtioFs
	ShareVirtio9p
)

// SharedDir describes one host directory exposed to the guest. The
// GuestPath is informational for raw VMs; only a sandbox-mode initrd
// auto-mounts it.
type SharedDir struct {
	HostPath  string
	GuestPath string
	Mode      ShareMode
	Mechanism ShareMechanism
}

// FsDevice is one materialized virtio-fs device.
type FsDevice struct {
	HostPath string
	Tag      string
	ReadOnly bool
	IDMap    IDMapping
}

// IDMapMode controls what uid/gid the guest observes on a virtio-fs
// mount. File creation always uses the host process identity; the
// mapping only affects stat replies.
type IDMapMode int

const (
	// IDSquash reports a fixed id.
	IDSquash IDMapMode = iota
	// IDPassthrough reports the real host id.
	IDPassthrough
	// IDDynamicCaller always reports the id of the calling guest
	// process.
	IDDynamicCaller
)

// IDMapping carries the per-class mapping for a virtio-fs device.
// The zero value is Squash(0,0), the default.
type IDMapping struct {
	UIDMode IDMapMode
	GIDMode IDMapMode
	UID     uint32
	GID     uint32
}

// ConsoleMode selects whether a serial console device is attached.
type ConsoleMode int

const (
	ConsoleDisabled ConsoleMode = iota
	ConsoleEnabled
)

// Config is the resolved VM configuration.
type Config struct {
	Kernel  string
	Initrd  string
	Cmdline *cmdline.Cmdline

	VCPUs  int
	MemMiB int

	Disks     []DiskImage
	Shares    []SharedDir
	FsDevices []FsDevice

	Network NetworkMode
	Console ConsoleMode
	Vsock   bool

	// StopGrace bounds how long Stop waits for a graceful shutdown
	// before escalating to Kill.
	StopGrace time.Duration

	// Timeout bounds the whole VM lifetime when non-zero.
	Timeout time.Duration
}

// Validate performs the backend-independent checks: fs tags within
// the length limit and unique, resources sane.
func (c *Config) Validate() error {
	if c.VCPUs < 1 {
		return fmt.Errorf("%w: vcpus must be >= 1", errdefs.ErrInvalidConfig)
	}

	if c.MemMiB < 1 {
		return fmt.Errorf("%w: memory must be >= 1 MiB", errdefs.ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.FsDevices))
	for _, fs := range c.FsDevices {
		if fs.Tag == "" {
			return fmt.Errorf("%w: virtio-fs tag must not be empty", errdefs.ErrInvalidConfig)
		}

		if len(fs.Tag) > MaxFsTagLen {
			return fmt.Errorf("%w: virtio-fs tag %q exceeds %d bytes",
				errdefs.ErrInvalidConfig, fs.Tag, MaxFsTagLen)
		}

		if seen[fs.Tag] {
			return fmt.Errorf("%w: duplicate virtio-fs tag %q", errdefs.ErrInvalidConfig, fs.Tag)
		}

		seen[fs.Tag] = true
	}

	return nil
}

// Clone returns a deep copy safe to hand to another VM.
func (c *Config) Clone() *Config {
	out := *c
	if c.Cmdline != nil {
		out.Cmdline = c.Cmdline.Clone()
	}

	out.Disks = append([]DiskImage(nil), c.Disks...)
	out.Shares = append([]SharedDir(nil), c.Shares...)
	out.FsDevices = append([]FsDevice(nil), c.FsDevices...)

	return &out
}
