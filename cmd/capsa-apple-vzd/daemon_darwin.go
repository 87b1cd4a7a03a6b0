package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/capsa-vm/capsa/applevz"
	"github.com/capsa-vm/capsa/fdio"
	"github.com/capsa-vm/capsa/vzrpc"
)

func run() error {
	logrus.SetOutput(os.Stderr)

	var fds *net.UnixConn

	if f := os.NewFile(3, "fd-channel"); f != nil {
		conn, err := vzrpc.FDConn(f)
		f.Close()

		if err != nil {
			logrus.WithError(err).Warn("fd channel unusable, consoles disabled")
		} else {
			fds = conn
		}
	}

	transport, err := fdio.NewPipePair(os.Stdin, os.Stdout)
	if err != nil {
		return fmt.Errorf("pipe transport: %w", err)
	}

	srv := newServer(fds != nil)

	logrus.Info("capsa-apple-vzd serving")

	err = vzrpc.Serve(transport, fds, srv)

	srv.killAll()

	logrus.Info("capsa-apple-vzd shutting down")

	return err
}

// server realizes the protocol over a handle table. Every guest gets
// a watcher goroutine that records how it ended.
type server struct {
	consoles bool

	mu     sync.Mutex
	guests map[string]*guest
}

func newServer(consoles bool) *server {
	return &server{
		consoles: consoles,
		guests:   make(map[string]*guest),
	}
}

type guest struct {
	machine *vz.VirtualMachine

	ptmx *os.File
	tty  *os.File

	done chan struct{}
	err  error
}

func (s *server) lookup(handle string) (*guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guests[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %q", handle)
	}

	return g, nil
}

func (s *server) Start(cfg vzrpc.StartConfig) (string, error) {
	spec := applevz.MachineSpec{
		Kernel:  cfg.Kernel,
		Initrd:  cfg.Initrd,
		Cmdline: cfg.Cmdline,

		VCPUs:  cfg.VCPUs,
		MemMiB: cfg.MemMiB,

		Disks:  cfg.Disks,
		Shares: cfg.Shares,

		NAT:   cfg.NAT,
		Vsock: cfg.Vsock,
	}

	g := &guest{done: make(chan struct{})}

	if cfg.Console {
		master, slave, err := pty.Open()
		if err != nil {
			return "", fmt.Errorf("console pty: %w", err)
		}

		g.ptmx = master
		g.tty = slave
		spec.Console = slave
	}

	m, err := applevz.NewMachine(spec)
	if err != nil {
		g.closeConsole()

		return "", err
	}

	if err := m.Start(); err != nil {
		g.closeConsole()

		return "", fmt.Errorf("machine start: %w", err)
	}

	g.machine = m

	go g.watch()

	handle := uuid.NewString()

	s.mu.Lock()
	s.guests[handle] = g
	s.mu.Unlock()

	logrus.WithField("handle", handle).Info("guest started")

	return handle, nil
}

func (g *guest) closeConsole() {
	if g.tty != nil {
		g.tty.Close()
	}

	if g.ptmx != nil {
		g.ptmx.Close()
	}
}

func (g *guest) watch() {
	for state := range g.machine.StateChangedNotify() {
		if state == vz.VirtualMachineStateStopped {
			break
		}

		if state == vz.VirtualMachineStateError {
			g.err = errors.New("machine entered the error state")

			break
		}
	}

	g.closeConsole()
	close(g.done)
}

func (s *server) Stop(handle string) error {
	g, err := s.lookup(handle)
	if err != nil {
		return err
	}

	if !g.machine.CanRequestStop() {
		return errors.New("guest does not accept a stop request")
	}

	_, err = g.machine.RequestStop()

	return err
}

func (s *server) Kill(handle string) error {
	g, err := s.lookup(handle)
	if err != nil {
		return err
	}

	if g.machine.CanStop() {
		if err := g.machine.Stop(); err != nil {
			return err
		}
	}

	<-g.done

	return nil
}

func (s *server) Wait(handle string) (int, error) {
	g, err := s.lookup(handle)
	if err != nil {
		return 0, err
	}

	<-g.done

	if g.err != nil {
		return 0, g.err
	}

	return 0, nil
}

func (s *server) Status(handle string) (vzrpc.State, error) {
	g, err := s.lookup(handle)
	if err != nil {
		return 0, err
	}

	select {
	case <-g.done:
		if g.err != nil {
			return vzrpc.StateFailed, nil
		}

		return vzrpc.StateStopped, nil
	default:
		return vzrpc.StateRunning, nil
	}
}

// OpenConsole hands back a dup of the pty master so the caller can
// ask again after dropping the first one.
func (s *server) OpenConsole(handle string) (*os.File, error) {
	if !s.consoles {
		return nil, errors.New("no descriptor channel")
	}

	g, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}

	if g.ptmx == nil {
		return nil, errors.New("console not enabled")
	}

	fd, err := unix.Dup(int(g.ptmx.Fd()))
	if err != nil {
		return nil, fmt.Errorf("console dup: %w", err)
	}

	return os.NewFile(uintptr(fd), "console"), nil
}

func (s *server) killAll() {
	s.mu.Lock()
	guests := make([]*guest, 0, len(s.guests))

	for _, g := range s.guests {
		guests = append(guests, g)
	}
	s.mu.Unlock()

	for _, g := range guests {
		select {
		case <-g.done:
			continue
		default:
		}

		if g.machine.CanStop() {
			if err := g.machine.Stop(); err != nil {
				logrus.WithError(err).Error("guest teardown failed")

				continue
			}
		}

		<-g.done
	}
}
