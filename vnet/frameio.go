package vnet

import (
	"os"

	"golang.org/x/sys/unix"
)

// FrameIO moves whole ethernet frames between the stack and the
// guest's virtio-net device. ReadFrame blocks until one frame is
// available; WriteFrame never splits a frame.
type FrameIO interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) error
	Close() error
}

// SocketPair is a datagram socketpair transport where every message
// is exactly one frame. One end is handed to the VM (on macOS, the
// framework's file-handle network attachment), the other drives the
// stack.
type SocketPair struct {
	f *os.File
}

// NewSocketPair creates the pair and returns the stack side plus the
// guest-side file to hand to the hypervisor.
func NewSocketPair() (*SocketPair, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, err
	}

	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])

			return nil, nil, err
		}

		// Frame bursts from the guest overrun the default buffer.
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 1<<20)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	}

	stack := &SocketPair{f: os.NewFile(uintptr(fds[0]), "vnet-stack")}
	guest := os.NewFile(uintptr(fds[1]), "vnet-guest")

	return stack, guest, nil
}

// FileFrames adapts an open frame-per-datagram fd, typically the
// guest side of NewSocketPair, as a FrameIO.
func FileFrames(f *os.File) FrameIO {
	return &SocketPair{f: f}
}

func (s *SocketPair) ReadFrame(buf []byte) (int, error) {
	return s.f.Read(buf)
}

func (s *SocketPair) WriteFrame(frame []byte) error {
	_, err := s.f.Write(frame)

	return err
}

func (s *SocketPair) Close() error {
	return s.f.Close()
}
