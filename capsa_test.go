package capsa

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/cmdline"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
)

// fakeVM terminates on Kill, on PowerButton (unless the backend
// installs a hook), or when a test calls finish directly.
type fakeVM struct {
	done chan struct{}
	err  error
	once sync.Once

	powerButton func() error
	console     io.ReadWriteCloser
	cid         uint64
}

func newFakeVM() *fakeVM {
	return &fakeVM{done: make(chan struct{})}
}

func (v *fakeVM) finish(err error) {
	v.once.Do(func() {
		v.err = err
		close(v.done)
	})
}

func (v *fakeVM) PowerButton() error {
	if v.powerButton != nil {
		return v.powerButton()
	}

	v.finish(nil)

	return nil
}

func (v *fakeVM) Kill() error {
	v.finish(nil)
	<-v.done

	return nil
}

func (v *fakeVM) Done() <-chan struct{} { return v.done }

func (v *fakeVM) Err() error { return v.err }

func (v *fakeVM) Console() (io.ReadWriteCloser, error) {
	if v.console == nil {
		return nil, errdefs.ErrConsoleNotEnabled
	}

	return v.console, nil
}

func (v *fakeVM) GuestCID() uint64 { return v.cid }

type fakeBackend struct {
	name        string
	unavailable error
	startErr    error

	// failAfter fails every Start once that many guests have been
	// started. Zero disables the limit.
	failAfter int

	powerButton  func() error
	consoleMaker func() io.ReadWriteCloser

	mu      sync.Mutex
	started []*fakeVM
	lastCfg *config.Config
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{name: "fake"}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Available() error { return f.unavailable }

func (f *fakeBackend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		MaxVCPUs:  16,
		MaxMemMiB: 1 << 20,

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

func (f *fakeBackend) CmdlineDefaults() *cmdline.Cmdline {
	return cmdline.Parse("console=ttyS0 panic=-1")
}

func (f *fakeBackend) DefaultRootDevice() string { return "/dev/vda" }

func (f *fakeBackend) Start(_ context.Context, cfg *config.Config) (backend.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return nil, f.startErr
	}

	if f.failAfter > 0 && len(f.started) >= f.failAfter {
		return nil, errors.New("injected start failure")
	}

	v := newFakeVM()
	v.powerButton = f.powerButton

	if f.consoleMaker != nil {
		v.console = f.consoleMaker()
	}

	f.started = append(f.started, v)
	f.lastCfg = cfg

	return v, nil
}

func (f *fakeBackend) vms() []*fakeVM {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeVM(nil), f.started...)
}
