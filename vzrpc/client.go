package vzrpc

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// RemoteError is a failure the daemon reported for one request.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "vzd: " + e.Msg
}

// Client issues requests over the daemon pipe pair. Calls may run
// concurrently; one reader goroutine routes replies to callers by
// sequence number, so a blocked Wait does not starve Stop or Kill.
type Client struct {
	w   io.Writer
	wmu sync.Mutex

	fds *net.UnixConn
	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult
	readErr error
	closed  chan struct{}
}

type callResult struct {
	rep Reply
	f   *os.File
}

// NewClient wraps the pipe transport and the optional fd side
// channel. fds may be nil when no console will be opened.
func NewClient(rw io.ReadWriter, fds *net.UnixConn) *Client {
	c := &Client{
		w:       rw,
		fds:     fds,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}

	go c.readLoop(rw)

	return c
}

func (c *Client) readLoop(r io.Reader) {
	for {
		var rep Reply

		if err := readMessage(r, &rep); err != nil {
			c.mu.Lock()
			c.readErr = err

			for _, ch := range c.pending {
				close(ch)
			}

			c.pending = nil
			close(c.closed)
			c.mu.Unlock()

			return
		}

		// The descriptor rides the frame immediately after its
		// reply; receive it before touching the next frame.
		var f *os.File

		if rep.FdFollows && c.fds != nil {
			var err error

			if f, err = RecvFD(c.fds, "vzd-console"); err != nil {
				logrus.WithError(err).Error("fd channel receive failed")
			}
		}

		c.mu.Lock()
		ch, ok := c.pending[rep.Seq]
		delete(c.pending, rep.Seq)
		c.mu.Unlock()

		if !ok {
			logrus.WithField("seq", rep.Seq).Warn("reply for unknown sequence")

			if f != nil {
				f.Close()
			}

			continue
		}

		ch <- callResult{rep: rep, f: f}
	}
}

func (c *Client) call(req Request) (Reply, *os.File, error) {
	req.Seq = c.seq.Add(1)

	ch := make(chan callResult, 1)

	c.mu.Lock()

	if c.pending == nil {
		err := c.readErr
		c.mu.Unlock()

		return Reply{}, nil, fmt.Errorf("%s: connection closed: %w", req.Kind, err)
	}

	c.pending[req.Seq] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err := writeMessage(c.w, &req)
	c.wmu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.Seq)
		c.mu.Unlock()

		return Reply{}, nil, fmt.Errorf("send %s: %w", req.Kind, err)
	}

	res, ok := <-ch
	if !ok {
		c.mu.Lock()
		readErr := c.readErr
		c.mu.Unlock()

		return Reply{}, nil, fmt.Errorf("%s: connection closed: %w", req.Kind, readErr)
	}

	if res.rep.Err != "" {
		if res.f != nil {
			res.f.Close()
		}

		return Reply{}, nil, &RemoteError{Msg: res.rep.Err}
	}

	return res.rep, res.f, nil
}

// Start launches a guest and returns its handle id.
func (c *Client) Start(cfg StartConfig) (string, error) {
	rep, _, err := c.call(Request{Kind: KindStart, Start: &cfg})
	if err != nil {
		return "", err
	}

	return rep.Handle, nil
}

// Stop asks the guest to shut down, as a power button would.
func (c *Client) Stop(handle string) error {
	_, _, err := c.call(Request{Kind: KindStop, Handle: handle})

	return err
}

// Kill tears the guest down unconditionally.
func (c *Client) Kill(handle string) error {
	_, _, err := c.call(Request{Kind: KindKill, Handle: handle})

	return err
}

// Wait blocks until the guest is gone and returns its exit code.
func (c *Client) Wait(handle string) (int, error) {
	rep, _, err := c.call(Request{Kind: KindWait, Handle: handle})
	if err != nil {
		return 0, err
	}

	return rep.ExitCode, nil
}

// Status reports the guest state without blocking.
func (c *Client) Status(handle string) (State, error) {
	rep, _, err := c.call(Request{Kind: KindStatus, Handle: handle})
	if err != nil {
		return 0, err
	}

	return rep.State, nil
}

// OpenConsole hands over the console pty master.
func (c *Client) OpenConsole(handle string) (*os.File, error) {
	rep, f, err := c.call(Request{Kind: KindOpenConsole, Handle: handle})
	if err != nil {
		return nil, err
	}

	if !rep.FdFollows || f == nil {
		if f != nil {
			f.Close()
		}

		return nil, fmt.Errorf("open-console reply without descriptor")
	}

	return f, nil
}
