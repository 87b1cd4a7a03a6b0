package vnet

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const ifNameSize = unix.IFNAMSIZ

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Tap is a Linux TAP device carrying raw ethernet frames.
type Tap struct {
	f    *os.File
	name string
}

// NewTap opens /dev/net/tun, attaches a TAP interface with the given
// name, and brings the link up.
func NewTap(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("/dev/net/tun: %w", err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd),
		unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)

		return nil, err
	}

	t := &Tap{f: os.NewFile(uintptr(fd), name), name: name}

	link, err := netlink.LinkByName(name)
	if err != nil {
		t.Close()

		return nil, fmt.Errorf("link %s: %w", name, err)
	}

	if err := netlink.LinkSetMTU(link, MTU); err != nil {
		t.Close()

		return nil, fmt.Errorf("set mtu on %s: %w", name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		t.Close()

		return nil, fmt.Errorf("link up %s: %w", name, err)
	}

	return t, nil
}

func (t *Tap) Name() string { return t.name }

func (t *Tap) ReadFrame(buf []byte) (int, error) {
	return t.f.Read(buf)
}

func (t *Tap) WriteFrame(frame []byte) error {
	_, err := t.f.Write(frame)

	return err
}

func (t *Tap) Close() error {
	return t.f.Close()
}
