package capsa

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capsa-vm/capsa/errdefs"
)

const consoleReadChunk = 4096

// Console automates a guest serial console: pattern waits, line
// writes, and fenced command execution. One goroutine pumps the
// underlying stream into an internal buffer so waits can time out
// without losing bytes.
//
// Concurrent writers interleave at byte granularity; callers wanting
// exclusive command execution should hold a single writer.
type Console struct {
	rw io.ReadWriteCloser

	frames  chan []byte
	readErr error

	execSeq atomic.Uint64

	mu  sync.Mutex
	buf []byte
}

func NewConsole(rw io.ReadWriteCloser) *Console {
	c := &Console{
		rw:     rw,
		frames: make(chan []byte, 16),
	}

	go c.pump()

	return c
}

func (c *Console) pump() {
	for {
		chunk := make([]byte, consoleReadChunk)

		n, err := c.rw.Read(chunk)
		if n > 0 {
			c.frames <- chunk[:n]
		}

		if err != nil {
			c.readErr = err
			close(c.frames)

			return
		}
	}
}

// WaitFor reads until pattern appears and returns everything up to
// and including the match, draining it from the buffer. A zero
// timeout waits forever. Timing out returns a PatternNotFoundError
// that matches errdefs.ErrTimeout.
func (c *Console) WaitFor(pattern string, timeout time.Duration) (string, error) {
	out, _, err := c.WaitForAny([]string{pattern}, timeout)

	return out, err
}

// WaitForAny waits until any of the patterns appears and returns the
// prefix closed by whichever match completes earliest in the stream,
// along with the index of the winning pattern.
func (c *Console) WaitForAny(patterns []string, timeout time.Duration) (string, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expire <-chan time.Time

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	for {
		best, bestEnd := -1, 0

		for i, p := range patterns {
			j := bytes.Index(c.buf, []byte(p))
			if j < 0 {
				continue
			}

			if end := j + len(p); best < 0 || end < bestEnd {
				best, bestEnd = i, end
			}
		}

		if best >= 0 {
			out := string(c.buf[:bestEnd])
			c.buf = append([]byte(nil), c.buf[bestEnd:]...)

			return out, best, nil
		}

		select {
		case chunk, ok := <-c.frames:
			if !ok {
				return "", -1, fmt.Errorf("console closed: %w", c.readErr)
			}

			c.buf = append(c.buf, chunk...)
		case <-expire:
			return "", -1, &errdefs.PatternNotFoundError{
				Pattern: strings.Join(patterns, "|"),
			}
		}
	}
}

// WaitForLine reads up to the next newline and returns the line
// without its terminator.
func (c *Console) WaitForLine(timeout time.Duration) (string, error) {
	out, err := c.WaitFor("\n", timeout)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(out, "\r\n"), nil
}

// ReadAvailable drains whatever is currently buffered without
// blocking.
func (c *Console) ReadAvailable() string {
	c.mu.Lock()
	defer c.mu.Unlock()

drain:
	for {
		select {
		case chunk, ok := <-c.frames:
			if !ok {
				break drain
			}

			c.buf = append(c.buf, chunk...)
		default:
			break drain
		}
	}

	out := string(c.buf)
	c.buf = nil

	return out
}

// WriteLine writes s followed by a newline.
func (c *Console) WriteLine(s string) error {
	_, err := io.WriteString(c.rw, s+"\n")

	return err
}

// SendInterrupt sends ^C to the guest terminal.
func (c *Console) SendInterrupt() error {
	_, err := c.rw.Write([]byte{0x03})

	return err
}

// SendEOF sends ^D to the guest terminal.
func (c *Console) SendEOF() error {
	_, err := c.rw.Write([]byte{0x04})

	return err
}

// Exec runs cmd in the guest shell and returns its output. The end of
// output is fenced by a printf'd marker carrying a per-console
// monotonic counter; the echoed command cannot satisfy the wait
// because the echo quotes the marker instead of preceding it with a
// newline. Pipelines interact with shell buffering; wrap cmd in a
// subshell if the fence must execute after it.
func (c *Console) Exec(cmd string, timeout time.Duration) (string, error) {
	marker := fmt.Sprintf("X=__DONE_%d__", c.execSeq.Add(1))

	sep := " ;"
	if strings.HasSuffix(strings.TrimSpace(cmd), "&") {
		sep = ""
	}

	line := fmt.Sprintf("%s%s printf '\\n%%s\\n' '%s'", cmd, sep, marker)

	if err := c.WriteLine(line); err != nil {
		return "", err
	}

	out, err := c.WaitFor("\n"+marker, timeout)
	if err != nil {
		return "", err
	}

	out = strings.TrimSuffix(out, "\n"+marker)

	// Drop everything through the end of the echoed command line. The
	// quoted marker anchors the echo even when prompt bytes or a
	// leftover newline precede it.
	if i := strings.Index(out, "'"+marker+"'"); i >= 0 {
		out = out[i+len(marker)+2:]
	}

	if i := strings.Index(out, "\n"); i >= 0 {
		out = out[i+1:]
	} else {
		out = ""
	}

	return out, nil
}

// Login drives a getty prompt: waits for "login:", sends the user,
// answers the password prompt when a password is given, and returns
// once a shell prompt shows up.
func (c *Console) Login(user, password string, timeout time.Duration) error {
	if _, err := c.WaitFor("login:", timeout); err != nil {
		return err
	}

	if err := c.WriteLine(user); err != nil {
		return err
	}

	if password != "" {
		if _, err := c.WaitFor("Password:", timeout); err != nil {
			return err
		}

		if err := c.WriteLine(password); err != nil {
			return err
		}
	}

	_, _, err := c.WaitForAny([]string{"#", "$", ">"}, timeout)

	return err
}

// RunCommand sends cmd and returns the output up to the next prompt,
// with the echoed command and the prompt stripped.
func (c *Console) RunCommand(cmd, prompt string, timeout time.Duration) (string, error) {
	if err := c.WriteLine(cmd); err != nil {
		return "", err
	}

	out, err := c.WaitFor(prompt, timeout)
	if err != nil {
		return "", err
	}

	out = strings.TrimSuffix(out, prompt)

	if i := strings.Index(out, "\n"); i >= 0 {
		out = out[i+1:]
	}

	return out, nil
}

// Close closes the underlying console stream; the pump goroutine
// exits on the resulting read error.
func (c *Console) Close() error {
	return c.rw.Close()
}
