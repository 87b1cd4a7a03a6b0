package vzrpc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewFDChannel builds the descriptor side channel: a connected Unix
// datagram pair. The parent keeps the conn; the file is handed to the
// child as an inherited descriptor.
func NewFDChannel() (parent *net.UnixConn, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("fd channel socketpair: %w", err)
	}

	pf := os.NewFile(uintptr(fds[0]), "vzd-fd-parent")
	child = os.NewFile(uintptr(fds[1]), "vzd-fd-child")

	conn, err := net.FileConn(pf)
	pf.Close()

	if err != nil {
		child.Close()

		return nil, nil, err
	}

	return conn.(*net.UnixConn), child, nil
}

// FDConn wraps an inherited side-channel descriptor, the child's view
// of NewFDChannel.
func FDConn(f *os.File) (*net.UnixConn, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()

		return nil, fmt.Errorf("fd channel is %T, not a unix conn", conn)
	}

	return uc, nil
}

// SendFD passes one descriptor as ancillary data. The single data byte
// keeps zero-length datagrams off the wire.
func SendFD(conn *net.UnixConn, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))

	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)

	return err
}

// RecvFD receives one descriptor sent with SendFD.
func RecvFD(conn *net.UnixConn, name string) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	if len(msgs) != 1 {
		return nil, fmt.Errorf("expected one control message, got %d", len(msgs))
	}

	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("parse rights: %w", err)
	}

	if len(fds) != 1 {
		return nil, fmt.Errorf("expected one descriptor, got %d", len(fds))
	}

	return os.NewFile(uintptr(fds[0]), name), nil
}
