package applevz

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
	"github.com/capsa-vm/capsa/fdio"
	"github.com/capsa-vm/capsa/vfkit"
	"github.com/capsa-vm/capsa/vzrpc"
)

// Subprocess launches guests through the capsa-apple-vzd daemon. The
// daemon owns the framework's main-thread requirement; this process
// only speaks the pipe RPC.
type Subprocess struct{}

func NewSubprocess() *Subprocess { return &Subprocess{} }

func (b *Subprocess) Name() string { return "apple-subprocess" }

func (b *Subprocess) Available() error {
	if findVzd() == "" {
		return &errdefs.BackendUnavailableError{
			Name: b.Name(), Reason: errdefs.ReasonBinaryNotFound,
		}
	}

	return nil
}

func (b *Subprocess) Capabilities() backend.Capabilities {
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

func (b *Subprocess) CmdlineDefaults() *cmdline.Cmdline { return CmdlineDefaults() }

func (b *Subprocess) DefaultRootDevice() string { return defaultRootDevice }

// Start spawns the daemon, hands it the fd side channel as an
// inherited descriptor, and issues one StartVm over the pipes.
func (b *Subprocess) Start(ctx context.Context, cfg *config.Config) (backend.VM, error) {
	path := findVzd()
	if path == "" {
		return nil, &errdefs.BackendUnavailableError{
			Name: b.Name(), Reason: errdefs.ReasonBinaryNotFound,
		}
	}

	fds, childEnd, err := vzrpc.NewFDChannel()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
	}

	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		fds.Close()
		childEnd.Close()

		return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fds.Close()
		childEnd.Close()

		return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		fds.Close()
		childEnd.Close()

		return nil, &errdefs.HypervisorError{Kind: errdefs.KindHelperLaunch, Cause: err}
	}

	childEnd.Close()

	client := vzrpc.NewClient(pipeTransport{r: stdout, w: stdin}, fds)

	handle, err := client.Start(startConfig(cfg))
	if err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		fds.Close()

		return nil, fmt.Errorf("%w: %s", errdefs.ErrStartFailed, err)
	}

	vm := &subprocessVM{
		client: client,
		handle: handle,
		cmd:    cmd,
		stdin:  stdin,
		fds:    fds,
		done:   make(chan struct{}),
	}

	go vm.watch(ctx)

	return vm, nil
}

func startConfig(cfg *config.Config) vzrpc.StartConfig {
	rpc := vzrpc.StartConfig{
		Kernel:  cfg.Kernel,
		Initrd:  cfg.Initrd,
		Cmdline: cmdlineString(cfg),

		VCPUs:  cfg.VCPUs,
		MemMiB: cfg.MemMiB,

		NAT:     cfg.Network.Kind == config.NetworkNAT,
		Console: cfg.Console == config.ConsoleEnabled,
		Vsock:   cfg.Vsock,
	}

	for _, d := range cfg.Disks {
		rpc.Disks = append(rpc.Disks, vzrpc.Disk{Path: d.Path, ReadOnly: d.ReadOnly})
	}

	for _, fs := range cfg.FsDevices {
		rpc.Shares = append(rpc.Shares, vzrpc.Share{
			HostPath: fs.HostPath, Tag: fs.Tag, ReadOnly: fs.ReadOnly,
		})
	}

	for _, s := range cfg.Shares {
		rpc.Shares = append(rpc.Shares, vzrpc.Share{
			HostPath: s.HostPath,
			Tag:      vfkit.ShareTag(s.GuestPath),
			ReadOnly: s.Mode == config.ShareRO,
		})
	}

	return rpc
}

type pipeTransport struct {
	r io.Reader
	w io.Writer
}

func (p pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeTransport) Write(b []byte) (int, error) { return p.w.Write(b) }

type subprocessVM struct {
	client *vzrpc.Client
	handle string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	fds    *net.UnixConn

	done chan struct{}
	err  error

	killOnce sync.Once
}

func (v *subprocessVM) watch(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			v.Kill()
		case <-v.done:
		}
	}()

	code, err := v.client.Wait(v.handle)

	switch {
	case err != nil:
		v.err = &errdefs.HypervisorError{Kind: errdefs.KindHelperLaunch, Cause: err}
	case code != 0:
		v.err = fmt.Errorf("guest exited with code %d", code)
	}

	// Closing the request pipe is the shutdown signal the daemon
	// waits for.
	v.stdin.Close()

	if err := v.cmd.Wait(); err != nil {
		logrus.WithError(err).Debug("vzd exited")
	}

	v.fds.Close()
	close(v.done)
}

func (v *subprocessVM) PowerButton() error {
	return v.client.Stop(v.handle)
}

func (v *subprocessVM) Kill() error {
	v.killOnce.Do(func() {
		if err := v.client.Kill(v.handle); err != nil {
			logrus.WithError(err).Debug("vzd kill failed, signalling the daemon")
			v.cmd.Process.Kill()
		}
	})

	<-v.done

	return nil
}

func (v *subprocessVM) Done() <-chan struct{} { return v.done }

func (v *subprocessVM) Err() error { return v.err }

func (v *subprocessVM) Console() (io.ReadWriteCloser, error) {
	f, err := v.client.OpenConsole(v.handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrConsoleNotEnabled, err)
	}

	return fdio.FromFile(f)
}

// GuestCID is always zero: the framework's vsock device connects by
// port, not by context id.
func (v *subprocessVM) GuestCID() uint64 { return 0 }
