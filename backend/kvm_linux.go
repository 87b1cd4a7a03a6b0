package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
	"github.com/capsa-vm/capsa/machine"
	"github.com/capsa-vm/capsa/vnet"
)

const devKVMPath = "/dev/kvm"

// Candidates lists the backends compiled in on Linux.
func Candidates() []Backend {
	return []Backend{NewKVM()}
}

// KVM runs guests through the kernel hypervisor in package machine.
type KVM struct{}

func NewKVM() *KVM { return &KVM{} }

func (b *KVM) Name() string { return "kvm" }

func (b *KVM) Available() error {
	if _, err := os.Stat(devKVMPath); err != nil {
		return &errdefs.BackendUnavailableError{
			Name: b.Name(), Reason: errdefs.ReasonDeviceNodeAbsent,
		}
	}

	f, err := os.OpenFile(devKVMPath, os.O_RDWR, 0)
	if err != nil {
		reason := errdefs.ReasonKernelFeatureDisabled
		if errors.Is(err, os.ErrPermission) {
			reason = errdefs.ReasonPermissionDenied
		}

		return &errdefs.BackendUnavailableError{Name: b.Name(), Reason: reason}
	}

	f.Close()

	return nil
}

func (b *KVM) Capabilities() Capabilities {
	return Capabilities{
		MaxVCPUs:  255,
		MaxMemMiB: machine.MaxMemMiB,

		DiskFormats: []config.DiskFormat{config.DiskFormatRaw},
		NetworkModes: []config.NetworkKind{
			config.NetworkNone,
			config.NetworkUserNAT,
			config.NetworkVsockOnly,
		},

		SharedDirs: true,
		Vsock:      true,
	}
}

func (b *KVM) CmdlineDefaults() *cmdline.Cmdline {
	return cmdline.Parse("console=ttyS0 reboot=k panic=-1 pci=off")
}

func (b *KVM) DefaultRootDevice() string { return "/dev/vda" }

// Start builds the machine and the userspace network stack, boots the
// kernel and leaves one goroutine per vCPU in the run loop.
func (b *KVM) Start(ctx context.Context, cfg *config.Config) (VM, error) {
	ctx, cancel := context.WithCancel(ctx)

	vm := &kvmVM{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	opts := machine.Options{SerialOut: io.Discard}

	if cfg.Console == config.ConsoleEnabled {
		pr, pw := io.Pipe()
		opts.SerialOut = pw
		vm.console = &serialConsole{r: pr}
	}

	if cfg.Network.Kind == config.NetworkUserNAT {
		stackEnd, guestEnd, err := vnet.NewSocketPair()
		if err != nil {
			cancel()

			return nil, fmt.Errorf("%w: frame transport: %s", errdefs.ErrStartFailed, err)
		}

		nat := cfg.Network.UserNAT

		stack, err := vnet.NewStack(stackEnd, vnet.StackConfig{
			Subnet:     nat.Subnet,
			GatewayMAC: vnet.DefaultGatewayMAC,
			Policy:     nat.Policy,
			Forwards:   nat.Forwards,
		})
		if err != nil {
			stackEnd.Close()
			guestEnd.Close()
			cancel()

			return nil, fmt.Errorf("%w: network stack: %s", errdefs.ErrStartFailed, err)
		}

		vm.stack = stack
		opts.NetFrames = vnet.FileFrames(guestEnd)
	}

	m, err := machine.New(cfg, opts)
	if err != nil {
		vm.shutdownStack()
		cancel()

		hint := ""
		if errors.Is(err, os.ErrPermission) {
			hint = "add the user to the kvm group"
		}

		return nil, &errdefs.HypervisorError{
			Kind: errdefs.KindKvmCreateVM, Hint: hint, Cause: err,
		}
	}

	vm.machine = m

	var args []string
	if cfg.Cmdline != nil {
		args = append(args, cfg.Cmdline.String())
	}

	args = append(args, m.DeviceCmdline()...)

	if err := m.LoadLinux(cfg.Kernel, cfg.Initrd, strings.TrimSpace(strings.Join(args, " "))); err != nil {
		m.Close()
		vm.shutdownStack()
		cancel()

		return nil, fmt.Errorf("%w: load kernel: %s", errdefs.ErrStartFailed, err)
	}

	if vm.console != nil {
		vm.console.in = m.GetInputChan()
	}

	if vm.stack != nil {
		go func() {
			if err := vm.stack.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("network stack exited")
			}
		}()
	}

	g := new(errgroup.Group)

	for cpu := 0; cpu < cfg.VCPUs; cpu++ {
		g.Go(func() error {
			if err := m.RunInfiniteLoop(cpu); err != nil {
				return &errdefs.HypervisorError{Kind: errdefs.KindVcpuRun, Cause: err}
			}

			return nil
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-vm.done:
		}
	}()

	go func() {
		vm.err = g.Wait()

		cancel()
		m.Close()
		vm.shutdownStack()
		close(vm.done)
	}()

	return vm, nil
}

type kvmVM struct {
	machine *machine.Machine
	stack   *vnet.Stack
	console *serialConsole
	cancel  context.CancelFunc

	done chan struct{}
	err  error

	killOnce  sync.Once
	stackOnce sync.Once
}

func (v *kvmVM) shutdownStack() {
	v.stackOnce.Do(func() {
		if v.stack != nil {
			v.stack.Close()
		}
	})
}

func (v *kvmVM) PowerButton() error {
	v.machine.PowerButton()

	return nil
}

func (v *kvmVM) Kill() error {
	v.killOnce.Do(func() {
		v.cancel()
		v.machine.Close()
	})

	<-v.done

	return nil
}

func (v *kvmVM) Done() <-chan struct{} { return v.done }

func (v *kvmVM) Err() error { return v.err }

func (v *kvmVM) Console() (io.ReadWriteCloser, error) {
	if v.console == nil {
		return nil, errdefs.ErrConsoleNotEnabled
	}

	return v.console, nil
}

func (v *kvmVM) GuestCID() uint64 {
	return v.machine.GuestCID()
}

// serialConsole joins the COM1 output pipe and the keyboard channel
// into one byte stream.
type serialConsole struct {
	r  *io.PipeReader
	in chan<- byte
}

func (c *serialConsole) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *serialConsole) Write(p []byte) (int, error) {
	for _, b := range p {
		c.in <- b
	}

	return len(p), nil
}

func (c *serialConsole) Close() error { return c.r.Close() }
