// Package backend defines the hypervisor abstraction the builder
// selects over: a capability declaration, an availability probe, and
// Start. The public Handle in the root package wraps the VM a backend
// returns; callers never see this interface directly.
package backend

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
)

// VM is one running guest as a backend exposes it.
type VM interface {
	// PowerButton asks the guest to shut itself down, the way a
	// physical power button would.
	PowerButton() error

	// Kill tears the VM down unconditionally. Idempotent; returns
	// once the backend's resources are released.
	Kill() error

	// Done is closed when the guest is gone, however that happened.
	Done() <-chan struct{}

	// Err reports why the VM ended. Nil for a clean shutdown; only
	// valid after Done is closed.
	Err() error

	// Console is the serial console byte stream. Fails with
	// errdefs.ErrConsoleNotEnabled when the config did not ask for
	// one.
	Console() (io.ReadWriteCloser, error)

	// GuestCID returns the vsock context id, 0 when vsock is off.
	GuestCID() uint64
}

// Capabilities declares what a backend can run. The builder validates
// a resolved config against them before Start.
type Capabilities struct {
	MaxVCPUs  int
	MaxMemMiB int

	DiskFormats  []config.DiskFormat
	NetworkModes []config.NetworkKind

	SharedDirs bool
	Vsock      bool
}

func (c Capabilities) supportsNetwork(kind config.NetworkKind) bool {
	for _, k := range c.NetworkModes {
		if k == kind {
			return true
		}
	}

	return false
}

func (c Capabilities) supportsFormat(f config.DiskFormat) bool {
	for _, have := range c.DiskFormats {
		if have == f {
			return true
		}
	}

	return false
}

// Validate rejects configurations this backend cannot launch.
func (c Capabilities) Validate(cfg *config.Config) error {
	if cfg.VCPUs > c.MaxVCPUs {
		return fmt.Errorf("%w: %d vcpus (max %d)",
			errdefs.ErrUnsupportedFeature, cfg.VCPUs, c.MaxVCPUs)
	}

	if cfg.MemMiB > c.MaxMemMiB {
		return fmt.Errorf("%w: %d MiB memory (max %d)",
			errdefs.ErrUnsupportedFeature, cfg.MemMiB, c.MaxMemMiB)
	}

	for _, d := range cfg.Disks {
		if !c.supportsFormat(d.Format) {
			return fmt.Errorf("%w: disk format %s", errdefs.ErrUnsupportedFeature, d.Format)
		}
	}

	if !c.supportsNetwork(cfg.Network.Kind) {
		return fmt.Errorf("%w: network mode", errdefs.ErrUnsupportedFeature)
	}

	if (len(cfg.Shares) > 0 || len(cfg.FsDevices) > 0) && !c.SharedDirs {
		return fmt.Errorf("%w: shared directories", errdefs.ErrUnsupportedFeature)
	}

	if cfg.Vsock && !c.Vsock {
		return fmt.Errorf("%w: vsock", errdefs.ErrUnsupportedFeature)
	}

	return nil
}

// Backend is one hypervisor substrate.
type Backend interface {
	Name() string

	// Available reports whether the backend can serve this process,
	// with an *errdefs.BackendUnavailableError when it cannot.
	Available() error

	Capabilities() Capabilities

	// CmdlineDefaults is the backend's base kernel command line; the
	// builder merges boot-config and user arguments on top.
	CmdlineDefaults() *cmdline.Cmdline

	// DefaultRootDevice is the guest path of the first disk.
	DefaultRootDevice() string

	// Start launches the guest. Cancelling ctx kills it.
	Start(ctx context.Context, cfg *config.Config) (VM, error)
}

// Select returns the first candidate that is available and whose
// capabilities accept cfg.
func Select(cfg *config.Config, candidates ...Backend) (Backend, error) {
	var rejected []string

	for _, b := range candidates {
		if err := b.Available(); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", b.Name(), err))

			continue
		}

		if err := b.Capabilities().Validate(cfg); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", b.Name(), err))

			continue
		}

		return b, nil
	}

	if len(rejected) == 0 {
		return nil, errdefs.ErrNoBackendAvailable
	}

	return nil, fmt.Errorf("%w: %s",
		errdefs.ErrNoBackendAvailable, strings.Join(rejected, "; "))
}
