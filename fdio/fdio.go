// Package fdio wraps raw file descriptors as byte streams that
// integrate with the runtime poller, so reads honor deadlines instead
// of blocking an OS thread. Used for pty masters and for the
// subprocess daemon's stdio pipe pair.
package fdio

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Stream is a bidirectional byte stream with read deadlines.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// SingleFD owns one descriptor used for both directions, typically a
// pty master.
type SingleFD struct {
	f *os.File
}

// NewSingleFD takes ownership of fd. The descriptor is switched to
// non-blocking mode so the runtime poller can service deadlines.
func NewSingleFD(fd int, name string) (*SingleFD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}

	return &SingleFD{f: os.NewFile(uintptr(fd), name)}, nil
}

// FromFile wraps an already-open file.
func FromFile(f *os.File) (*SingleFD, error) {
	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		return nil, err
	}

	return &SingleFD{f: f}, nil
}

func (s *SingleFD) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *SingleFD) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *SingleFD) Close() error                { return s.f.Close() }

func (s *SingleFD) SetReadDeadline(t time.Time) error {
	return s.f.SetReadDeadline(t)
}

// File exposes the underlying file, e.g. for fd passing.
func (s *SingleFD) File() *os.File { return s.f }

// PipePair reads from one descriptor and writes to another, the shape
// of a subprocess's stdout/stdin as seen from the parent.
type PipePair struct {
	r *os.File
	w *os.File
}

// NewPipePair wraps the read and write halves. Both are switched to
// non-blocking mode.
func NewPipePair(r, w *os.File) (*PipePair, error) {
	for _, f := range []*os.File{r, w} {
		if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
			return nil, err
		}
	}

	return &PipePair{r: r, w: w}, nil
}

func (p *PipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *PipePair) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *PipePair) SetReadDeadline(t time.Time) error {
	return p.r.SetReadDeadline(t)
}

func (p *PipePair) Close() error {
	err := p.r.Close()
	if werr := p.w.Close(); err == nil {
		err = werr
	}

	return err
}
