package capsa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
)

// Status is the lifecycle state of a Handle. Stopped and Failed are
// terminal.
type Status int32

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	}

	return "unknown"
}

// Handle is one guest VM. It is created by Builder.Build in the
// Created state; Start boots it. All methods are safe for concurrent
// use.
type Handle struct {
	be  backend.Backend
	cfg *config.Config

	status atomic.Int32

	mu        sync.Mutex
	vm        backend.VM
	console   *Console
	workspace string
	cancel    context.CancelFunc
	exitErr   error

	done chan struct{}
}

func newHandle(be backend.Backend, cfg *config.Config) *Handle {
	return &Handle{be: be, cfg: cfg, done: make(chan struct{})}
}

// Status reads the current state without blocking.
func (h *Handle) Status() Status {
	return Status(h.status.Load())
}

// Backend names the hypervisor substrate this handle runs on.
func (h *Handle) Backend() string { return h.be.Name() }

// Workspace is the per-guest scratch directory. Empty until Start;
// removed when the guest reaches a terminal state.
func (h *Handle) Workspace() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.workspace
}

// Start boots the guest. Legal only from Created. Cancelling ctx
// kills the guest.
func (h *Handle) Start(ctx context.Context) error {
	if !h.status.CompareAndSwap(int32(StatusCreated), int32(StatusStarting)) {
		return errdefs.ErrAlreadyRunning
	}

	ws, err := newWorkspace()
	if err != nil {
		err = fmt.Errorf("%w: workspace: %s", errdefs.ErrStartFailed, err)
		h.fail(err)

		return err
	}

	var cancel context.CancelFunc

	if h.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	vm, err := h.be.Start(ctx, h.cfg)
	if err != nil {
		cancel()
		os.RemoveAll(ws)
		h.fail(err)

		return err
	}

	h.mu.Lock()
	h.vm = vm
	h.workspace = ws
	h.cancel = cancel
	h.mu.Unlock()

	h.status.Store(int32(StatusRunning))

	logrus.WithField("backend", h.be.Name()).Debug("guest started")

	go h.watch()

	return nil
}

// fail records a startup error and moves the handle straight to
// Failed.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()

	h.status.Store(int32(StatusFailed))
	close(h.done)
}

func (h *Handle) watch() {
	<-h.vm.Done()

	h.cancel()

	err := h.vm.Err()

	h.mu.Lock()
	h.exitErr = err
	ws := h.workspace
	h.mu.Unlock()

	if err != nil {
		h.status.Store(int32(StatusFailed))
	} else {
		h.status.Store(int32(StatusStopped))
	}

	if ws != "" {
		os.RemoveAll(ws)
	}

	close(h.done)
}

// Stop asks the guest to shut down and waits the configured grace
// period, then escalates to Kill. Escalation is not an error.
func (h *Handle) Stop() error {
	if !h.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		return errdefs.ErrNotRunning
	}

	h.mu.Lock()
	vm := h.vm
	h.mu.Unlock()

	if err := vm.PowerButton(); err != nil {
		logrus.WithError(err).Debug("power button rejected, killing")

		if err := vm.Kill(); err != nil {
			return err
		}

		<-h.done

		return nil
	}

	t := time.NewTimer(h.cfg.StopGrace)
	defer t.Stop()

	select {
	case <-h.done:
	case <-t.C:
		logrus.WithField("grace", h.cfg.StopGrace).Debug("shutdown grace expired, killing")

		if err := vm.Kill(); err != nil {
			return err
		}

		<-h.done
	}

	return nil
}

// Kill tears the guest down unconditionally. Idempotent; returns only
// after the backend's resources are released and the workspace is
// removed.
func (h *Handle) Kill() error {
	h.mu.Lock()
	vm := h.vm
	h.mu.Unlock()

	if vm == nil {
		return errdefs.ErrNotRunning
	}

	err := vm.Kill()

	<-h.done

	return err
}

// Wait blocks until the guest reaches a terminal state and returns
// its exit code. A deadline on ctx maps to errdefs.ErrTimeout.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, errdefs.ErrTimeout
		}

		return 0, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exitErr != nil {
		return 0, h.exitErr
	}

	return 0, nil
}

// Err reports why the guest ended. Nil for a clean shutdown; only
// meaningful once the handle is terminal.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.exitErr
}

// Done is closed when the guest reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Console returns the automation wrapper over the guest serial
// console. Legal only while Running and when the configuration
// enabled a console.
func (h *Handle) Console() (*Console, error) {
	if h.Status() != StatusRunning {
		return nil, errdefs.ErrNotRunning
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.console != nil {
		return h.console, nil
	}

	rw, err := h.vm.Console()
	if err != nil {
		return nil, err
	}

	h.console = NewConsole(rw)

	return h.console, nil
}

// GuestCID returns the vsock context id, 0 when vsock is off or the
// backend addresses the guest another way.
func (h *Handle) GuestCID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.vm == nil {
		return 0
	}

	return h.vm.GuestCID()
}
