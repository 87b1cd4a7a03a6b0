package applevz

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
	"github.com/capsa-vm/capsa/fdio"
	"github.com/capsa-vm/capsa/vfkit"
)

// Vfkit launches guests through the external vfkit binary and drives
// it over its restful control socket.
type Vfkit struct{}

func NewVfkit() *Vfkit { return &Vfkit{} }

func (b *Vfkit) Name() string { return "vfkit" }

func (b *Vfkit) Available() error {
	if _, err := exec.LookPath(vfkit.BinaryName); err != nil {
		return &errdefs.BackendUnavailableError{
			Name: b.Name(), Reason: errdefs.ReasonBinaryNotFound,
		}
	}

	return nil
}

func (b *Vfkit) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		MaxVCPUs:  defaultMaxVCPUs,
		MaxMemMiB: defaultMaxMemMiB,

		DiskFormats: []config.DiskFormat{config.DiskFormatRaw},
		NetworkModes: []config.NetworkKind{
			config.NetworkNone,
			config.NetworkNAT,
		},

		SharedDirs: true,
	}
}

func (b *Vfkit) CmdlineDefaults() *cmdline.Cmdline { return CmdlineDefaults() }

func (b *Vfkit) DefaultRootDevice() string { return defaultRootDevice }

// Start spawns vfkit with a translated command line. The console, when
// enabled, is a pty whose slave side becomes the child's stdio; the
// control socket lives in a private temp directory.
func (b *Vfkit) Start(ctx context.Context, cfg *config.Config) (backend.VM, error) {
	path, err := exec.LookPath(vfkit.BinaryName)
	if err != nil {
		return nil, &errdefs.BackendUnavailableError{
			Name: b.Name(), Reason: errdefs.ReasonBinaryNotFound,
		}
	}

	mac, err := randomMAC()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
	}

	dir, err := os.MkdirTemp("", "capsa-vfkit-")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
	}

	sock := filepath.Join(dir, "rest.sock")

	cmd := exec.Command(path, vfkit.CommandLine(cfg, cmdlineString(cfg), sock, mac)...)

	var ptmx *os.File

	if cfg.Console == config.ConsoleEnabled {
		master, slave, err := pty.Open()
		if err != nil {
			os.RemoveAll(dir)

			return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
		}

		ptmx = master
		cmd.Stdin = slave
		cmd.Stdout = slave
		cmd.Stderr = slave

		defer slave.Close()
	}

	if err := cmd.Start(); err != nil {
		if ptmx != nil {
			ptmx.Close()
		}

		os.RemoveAll(dir)

		return nil, &errdefs.HypervisorError{Kind: errdefs.KindHelperLaunch, Cause: err}
	}

	vm := &vfkitVM{
		cmd:  cmd,
		ctl:  vfkit.NewControl(sock),
		ptmx: ptmx,
		dir:  dir,
		done: make(chan struct{}),
	}

	go vm.watch(ctx)

	return vm, nil
}

func randomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)

	if _, err := rand.Read(mac); err != nil {
		return nil, err
	}

	// Locally administered, unicast.
	mac[0] = mac[0]&0xfe | 0x02

	return mac, nil
}

type vfkitVM struct {
	cmd  *exec.Cmd
	ctl  *vfkit.Control
	ptmx *os.File
	dir  string

	done chan struct{}
	err  error

	mu       sync.Mutex
	consoled bool

	killOnce sync.Once
}

func (v *vfkitVM) watch(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			v.Kill()
		case <-v.done:
		}
	}()

	if err := v.cmd.Wait(); err != nil {
		v.err = fmt.Errorf("vfkit exited: %w", err)
	}

	os.RemoveAll(v.dir)

	v.mu.Lock()

	if v.ptmx != nil && !v.consoled {
		v.ptmx.Close()
	}
	v.mu.Unlock()

	close(v.done)
}

// PowerButton asks the control endpoint for a guest-cooperative stop
// and falls back to SIGTERM when vfkit stopped answering.
func (v *vfkitVM) PowerButton() error {
	if err := v.ctl.Stop(context.Background()); err != nil {
		logrus.WithError(err).Debug("vfkit stop request failed, signalling the helper")

		return v.cmd.Process.Signal(syscall.SIGTERM)
	}

	return nil
}

func (v *vfkitVM) Kill() error {
	v.killOnce.Do(func() {
		if err := v.ctl.HardStop(context.Background()); err != nil {
			logrus.WithError(err).Debug("vfkit hard stop failed, killing the helper")
			v.cmd.Process.Kill()
		}
	})

	<-v.done

	return nil
}

func (v *vfkitVM) Done() <-chan struct{} { return v.done }

func (v *vfkitVM) Err() error { return v.err }

func (v *vfkitVM) Console() (io.ReadWriteCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ptmx == nil || v.consoled {
		return nil, errdefs.ErrConsoleNotEnabled
	}

	v.consoled = true

	return fdio.FromFile(v.ptmx)
}

// GuestCID is always zero: the framework's vsock device connects by
// port, not by context id.
func (v *vfkitVM) GuestCID() uint64 { return 0 }
