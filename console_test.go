package capsa

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsa-vm/capsa/errdefs"
)

func testConsole(t *testing.T) (*Console, net.Conn) {
	t.Helper()

	host, guest := net.Pipe()
	c := NewConsole(host)

	t.Cleanup(func() {
		c.Close()
		guest.Close()
	})

	return c, guest
}

func TestWaitForReturnsThroughMatch(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go guest.Write([]byte("Welcome to Linux\nbox login: "))

	out, err := c.WaitFor("login:", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Linux\nbox login:", out)

	// The byte after the match stays buffered.
	assert.Equal(t, " ", c.ReadAvailable())
}

func TestWaitForTimeout(t *testing.T) {
	t.Parallel()

	c, _ := testConsole(t)

	_, err := c.WaitFor("never", 30*time.Millisecond)

	require.ErrorIs(t, err, errdefs.ErrTimeout)

	var pnf *errdefs.PatternNotFoundError
	require.True(t, errors.As(err, &pnf))
	assert.Equal(t, "never", pnf.Pattern)
}

func TestWaitForAnyPicksEarliestMatch(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go guest.Write([]byte("sh-5.1$ "))

	out, idx, err := c.WaitForAny([]string{"#", "$", ">"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "sh-5.1$", out)
}

func TestWaitForLineRoundTrip(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go guest.Write([]byte("hello world\r\n"))

	line, err := c.WaitForLine(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello world", line)
}

func TestWriteLine(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	got := make(chan string, 1)

	go func() {
		line, _ := bufio.NewReader(guest).ReadString('\n')
		got <- line
	}()

	require.NoError(t, c.WriteLine("ls /"))
	assert.Equal(t, "ls /\n", <-got)
}

func TestSendInterrupt(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	got := make(chan byte, 1)

	go func() {
		buf := make([]byte, 1)
		guest.Read(buf)
		got <- buf[0]
	}()

	require.NoError(t, c.SendInterrupt())
	assert.Equal(t, byte(0x03), <-got)
}

func TestExec(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go func() {
		br := bufio.NewReader(guest)

		line, err := br.ReadString('\n')
		if err != nil {
			return
		}

		// Shell echo, then command output, then the printf'd marker.
		guest.Write([]byte(line))
		guest.Write([]byte("Linux\n"))
		guest.Write([]byte("\nX=__DONE_1__\n"))
	}()

	out, err := c.Exec("uname -s", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", out)
}

func TestExecBackgroundCommandSkipsSeparator(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	sent := make(chan string, 1)

	go func() {
		br := bufio.NewReader(guest)

		line, err := br.ReadString('\n')
		if err != nil {
			return
		}

		sent <- line
		guest.Write([]byte("\nX=__DONE_1__\n"))
	}()

	_, err := c.Exec("sleep 60 &", 5*time.Second)
	require.NoError(t, err)

	line := <-sent
	assert.Contains(t, line, "sleep 60 & printf")
	assert.NotContains(t, line, "& ;")
}

func TestExecCounterIsMonotonic(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go func() {
		br := bufio.NewReader(guest)

		for i := 1; i <= 2; i++ {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}

			guest.Write([]byte(line))

			if i == 1 {
				guest.Write([]byte("one\n\nX=__DONE_1__\n"))
			} else {
				guest.Write([]byte("two\n\nX=__DONE_2__\n"))
			}
		}
	}()

	out, err := c.Exec("echo one", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "one\n", out)

	out, err = c.Exec("echo two", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two\n", out)
}

func TestLogin(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go func() {
		guest.Write([]byte("box login: "))

		br := bufio.NewReader(guest)

		if _, err := br.ReadString('\n'); err != nil {
			return
		}

		guest.Write([]byte("Password: "))

		if _, err := br.ReadString('\n'); err != nil {
			return
		}

		guest.Write([]byte("\n~ # "))
	}()

	require.NoError(t, c.Login("root", "secret", 5*time.Second))
}

func TestRunCommand(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	go func() {
		br := bufio.NewReader(guest)

		if _, err := br.ReadString('\n'); err != nil {
			return
		}

		guest.Write([]byte("cat /etc/hostname\r\nbox\n~ # "))
	}()

	out, err := c.RunCommand("cat /etc/hostname", "~ # ", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "box\n", out)
}

func TestReadAvailableNonBlocking(t *testing.T) {
	t.Parallel()

	c, _ := testConsole(t)

	assert.Empty(t, c.ReadAvailable())
}

func TestWaitForAfterClose(t *testing.T) {
	t.Parallel()

	c, guest := testConsole(t)

	guest.Close()

	_, err := c.WaitFor("anything", time.Second)
	require.ErrorContains(t, err, "console closed")
}
