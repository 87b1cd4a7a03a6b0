package applevz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
	"github.com/capsa-vm/capsa/fdio"
	"github.com/capsa-vm/capsa/vnet"
)

// Native drives the framework in-process. The framework insists on
// being called from the process main thread, so this strategy is for
// programs that arrange runtime.LockOSThread themselves; Backends()
// never auto-selects it.
type Native struct{}

func NewNative() *Native { return &Native{} }

func (b *Native) Name() string { return "apple-native" }

func (b *Native) Available() error { return nil }

func (b *Native) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		MaxVCPUs:  defaultMaxVCPUs,
		MaxMemMiB: defaultMaxMemMiB,

		DiskFormats: []config.DiskFormat{config.DiskFormatRaw},
		NetworkModes: []config.NetworkKind{
			config.NetworkNone,
			config.NetworkNAT,
			config.NetworkUserNAT,
			config.NetworkVsockOnly,
		},

		SharedDirs: true,
		Vsock:      true,
	}
}

func (b *Native) CmdlineDefaults() *cmdline.Cmdline { return CmdlineDefaults() }

func (b *Native) DefaultRootDevice() string { return defaultRootDevice }

// Start builds the framework machine and boots it. The userspace
// network stack, when selected, attaches through a frame-per-datagram
// socketpair.
func (b *Native) Start(ctx context.Context, cfg *config.Config) (backend.VM, error) {
	rpc := startConfig(cfg)

	spec := MachineSpec{
		Kernel:  rpc.Kernel,
		Initrd:  rpc.Initrd,
		Cmdline: rpc.Cmdline,

		VCPUs:  cfg.VCPUs,
		MemMiB: cfg.MemMiB,

		Disks:  rpc.Disks,
		Shares: rpc.Shares,

		NAT:   rpc.NAT,
		Vsock: rpc.Vsock || cfg.Network.Kind == config.NetworkVsockOnly,
	}

	vm := &nativeVM{done: make(chan struct{})}

	fail := func(err error) (backend.VM, error) {
		vm.closeFiles()
		vm.shutdownStack()

		return nil, err
	}

	if cfg.Console == config.ConsoleEnabled {
		master, slave, err := pty.Open()
		if err != nil {
			return fail(fmt.Errorf("%w: console pty: %s", errdefs.ErrStartFailed, err))
		}

		vm.ptmx = master
		vm.tty = slave
		spec.Console = slave
	}

	if cfg.Network.Kind == config.NetworkUserNAT {
		stackEnd, guestEnd, err := vnet.NewSocketPair()
		if err != nil {
			return fail(fmt.Errorf("%w: frame transport: %s", errdefs.ErrStartFailed, err))
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

			return fail(fmt.Errorf("%w: network stack: %s", errdefs.ErrStartFailed, err))
		}

		vm.stack = stack
		vm.netFile = guestEnd
		spec.NetFile = guestEnd
	}

	m, err := NewMachine(spec)
	if err != nil {
		return fail(&errdefs.HypervisorError{Kind: errdefs.KindFrameworkCall, Cause: err})
	}

	if err := m.Start(); err != nil {
		return fail(&errdefs.HypervisorError{Kind: errdefs.KindFrameworkCall, Cause: err})
	}

	vm.machine = m

	ctx, vm.cancel = context.WithCancel(ctx)

	if vm.stack != nil {
		go func() {
			if err := vm.stack.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("network stack exited")
			}
		}()
	}

	go vm.watch(ctx)

	return vm, nil
}

type nativeVM struct {
	machine *vz.VirtualMachine
	stack   *vnet.Stack
	cancel  context.CancelFunc

	ptmx    *os.File
	tty     *os.File
	netFile *os.File

	done chan struct{}
	err  error

	mu       sync.Mutex
	consoled bool

	killOnce  sync.Once
	stackOnce sync.Once
}

func (v *nativeVM) shutdownStack() {
	v.stackOnce.Do(func() {
		if v.stack != nil {
			v.stack.Close()
		}
	})
}

func (v *nativeVM) closeFiles() {
	if v.tty != nil {
		v.tty.Close()
	}

	if v.netFile != nil {
		v.netFile.Close()
	}

	v.mu.Lock()

	if v.ptmx != nil && !v.consoled {
		v.ptmx.Close()
	}
	v.mu.Unlock()
}

func (v *nativeVM) watch(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			v.Kill()
		case <-v.done:
		}
	}()

	for state := range v.machine.StateChangedNotify() {
		if state == vz.VirtualMachineStateStopped {
			break
		}

		if state == vz.VirtualMachineStateError {
			v.err = &errdefs.HypervisorError{
				Kind:  errdefs.KindFrameworkCall,
				Cause: errors.New("machine entered the error state"),
			}

			break
		}
	}

	v.cancel()
	v.shutdownStack()
	v.closeFiles()
	close(v.done)
}

// PowerButton delivers a guest stop request, which the framework only
// accepts once the guest driver negotiated it.
func (v *nativeVM) PowerButton() error {
	if !v.machine.CanRequestStop() {
		return fmt.Errorf("guest does not accept a stop request")
	}

	_, err := v.machine.RequestStop()

	return err
}

func (v *nativeVM) Kill() error {
	v.killOnce.Do(func() {
		if v.machine.CanStop() {
			if err := v.machine.Stop(); err != nil {
				logrus.WithError(err).Error("framework stop failed")
			}
		}
	})

	<-v.done

	return nil
}

func (v *nativeVM) Done() <-chan struct{} { return v.done }

func (v *nativeVM) Err() error { return v.err }

func (v *nativeVM) Console() (io.ReadWriteCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ptmx == nil || v.consoled {
		return nil, errdefs.ErrConsoleNotEnabled
	}

	v.consoled = true

	return fdio.FromFile(v.ptmx)
}

// GuestCID is always zero: the framework's vsock device connects by
// port, not by context id. Use DialVsock instead.
func (v *nativeVM) GuestCID() uint64 { return 0 }

// DialVsock connects to a vsock port inside the guest through the
// framework's socket device.
func (v *nativeVM) DialVsock(port uint32) (net.Conn, error) {
	devices := v.machine.SocketDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("vsock device not configured")
	}

	return devices[0].Connect(port)
}
