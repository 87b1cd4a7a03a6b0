package vzrpc

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	started []StartConfig
	stopped []string
	killed  []string

	startErr error
	console  func() (*os.File, error)

	waitEntered chan struct{}
	waitGate    chan int
}

func (h *fakeHandler) Start(cfg StartConfig) (string, error) {
	if h.startErr != nil {
		return "", h.startErr
	}

	h.started = append(h.started, cfg)

	return "vm-1", nil
}

func (h *fakeHandler) Stop(handle string) error {
	h.stopped = append(h.stopped, handle)

	return nil
}

func (h *fakeHandler) Kill(handle string) error {
	h.killed = append(h.killed, handle)

	return nil
}

func (h *fakeHandler) Wait(string) (int, error) {
	if h.waitGate != nil {
		close(h.waitEntered)

		return <-h.waitGate, nil
	}

	return 42, nil
}

func (h *fakeHandler) Status(string) (State, error) { return StateRunning, nil }

func (h *fakeHandler) OpenConsole(string) (*os.File, error) {
	if h.console == nil {
		return nil, errors.New("no console")
	}

	return h.console()
}

func startServer(t *testing.T, h Handler) (*Client, func()) {
	t.Helper()

	clientSide, serverSide := net.Pipe()

	parentFDs, childFile, err := NewFDChannel()
	require.NoError(t, err)

	serverFDs, err := FDConn(childFile)
	require.NoError(t, err)
	childFile.Close()

	done := make(chan error, 1)

	go func() {
		done <- Serve(serverSide, serverFDs, h)
	}()

	cleanup := func() {
		clientSide.Close()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("server did not exit after transport close")
		}

		serverSide.Close()
		parentFDs.Close()
		serverFDs.Close()
	}

	return NewClient(clientSide, parentFDs), cleanup
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	client, cleanup := startServer(t, h)
	defer cleanup()

	handle, err := client.Start(StartConfig{
		Kernel: "/boot/vmlinuz", VCPUs: 2, MemMiB: 512,
		Disks: []Disk{{Path: "/img/root.raw"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "vm-1", handle)
	require.Len(t, h.started, 1)
	assert.Equal(t, "/boot/vmlinuz", h.started[0].Kernel)

	state, err := client.Status(handle)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	code, err := client.Wait(handle)
	require.NoError(t, err)
	assert.Equal(t, 42, code)

	require.NoError(t, client.Stop(handle))
	require.NoError(t, client.Kill(handle))
	assert.Equal(t, []string{"vm-1"}, h.stopped)
	assert.Equal(t, []string{"vm-1"}, h.killed)
}

func TestRemoteError(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{startErr: errors.New("framework said no")}
	client, cleanup := startServer(t, h)
	defer cleanup()

	_, err := client.Start(StartConfig{})
	require.Error(t, err)

	var remote *RemoteError

	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "framework said no", remote.Msg)
}

func TestOpenConsolePassesDescriptor(t *testing.T) {
	t.Parallel()

	pr, pw, err := os.Pipe()
	require.NoError(t, err)

	defer pw.Close()

	h := &fakeHandler{console: func() (*os.File, error) { return pr, nil }}
	client, cleanup := startServer(t, h)
	defer cleanup()

	f, err := client.OpenConsole("vm-1")
	require.NoError(t, err)

	defer f.Close()

	_, err = pw.WriteString("login:")
	require.NoError(t, err)

	buf := make([]byte, 6)
	_, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "login:", string(buf))
}

func TestBlockedWaitDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{
		waitEntered: make(chan struct{}),
		waitGate:    make(chan int),
	}

	client, cleanup := startServer(t, h)
	defer cleanup()

	waitCode := make(chan int, 1)

	go func() {
		code, err := client.Wait("vm-1")
		assert.NoError(t, err)

		waitCode <- code
	}()

	select {
	case <-h.waitEntered:
	case <-time.After(time.Second):
		t.Fatal("wait request never reached the handler")
	}

	// Wait is parked inside the handler; these must still go through.
	state, err := client.Status("vm-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	require.NoError(t, client.Kill("vm-1"))

	h.waitGate <- 7

	select {
	case code := <-waitCode:
		assert.Equal(t, 7, code)
	case <-time.After(time.Second):
		t.Fatal("wait reply never arrived")
	}
}

func TestServeExitsOnEOF(t *testing.T) {
	t.Parallel()

	clientSide, serverSide := net.Pipe()

	done := make(chan error, 1)

	go func() {
		done <- Serve(serverSide, nil, &fakeHandler{})
	}()

	clientSide.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
}
