package virtio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/capsa-vm/capsa/kvm"
)

// vhost ioctls, linux/vhost.h. The data path for vsock lives in the
// kernel; only the mmio transport and the event queue stay here.
const (
	vhostIoctlType = 0xAF

	vsockQueueRX    = 0
	vsockQueueTX    = 1
	vsockQueueEvent = 2
)

func vhostIO(nr uintptr) uintptr {
	return nr | vhostIoctlType<<8
}

func vhostIOW(nr, size uintptr) uintptr {
	return 1<<30 | size<<16 | vhostIoctlType<<8 | nr
}

func vhostIOR(nr, size uintptr) uintptr {
	return 2<<30 | size<<16 | vhostIoctlType<<8 | nr
}

type vhostVringState struct {
	Index uint32
	Num   uint32
}

type vhostVringFile struct {
	Index uint32
	FD    int32
}

type vhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

type vhostMemoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserspaceAddr uint64
	Flags         uint64
}

type vhostMemory struct {
	NRegions uint32
	Padding  uint32
	Regions  [1]vhostMemoryRegion
}

// Vsock exposes a virtio-vsock device whose rx/tx queues are driven by
// /dev/vhost-vsock. Interrupts come back through an irqfd. Guest kicks
// still arrive here as MMIO exits and are forwarded down an eventfd;
// the data path itself runs in the kernel.
type Vsock struct {
	t *Transport

	vhost    *os.File
	guestCID uint64

	mem  []byte
	vmFd uintptr

	mu      sync.Mutex
	kickFDs [2]int
	callFDs [2]int
	ready   [2]bool
	running bool
}

func NewVsock(guestCID uint64, mem []byte, vmFd uintptr) (*Vsock, error) {
	vhost, err := os.OpenFile("/dev/vhost-vsock", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open vhost-vsock: %w", err)
	}

	v := &Vsock{
		vhost:    vhost,
		guestCID: guestCID,
		mem:      mem,
		vmFd:     vmFd,
		kickFDs:  [2]int{-1, -1},
		callFDs:  [2]int{-1, -1},
	}

	if err := v.setup(); err != nil {
		vhost.Close()

		return nil, err
	}

	return v, nil
}

func (v *Vsock) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, v.vhost.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func (v *Vsock) setup() error {
	if err := v.ioctl(vhostIO(0x01), nil); err != nil { // VHOST_SET_OWNER
		return fmt.Errorf("vhost set owner: %w", err)
	}

	var features uint64
	if err := v.ioctl(vhostIOR(0x00, 8), unsafe.Pointer(&features)); err != nil {
		return fmt.Errorf("vhost get features: %w", err)
	}

	features &= FeatureVersion1
	if err := v.ioctl(vhostIOW(0x00, 8), unsafe.Pointer(&features)); err != nil {
		return fmt.Errorf("vhost set features: %w", err)
	}

	table := vhostMemory{NRegions: 1}
	table.Regions[0] = vhostMemoryRegion{
		GuestPhysAddr: 0,
		Size:          uint64(len(v.mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&v.mem[0]))),
	}

	// The request number carries the size of the header alone, without
	// the trailing region array.
	if err := v.ioctl(vhostIOW(0x03, unsafe.Offsetof(table.Regions)), unsafe.Pointer(&table)); err != nil {
		return fmt.Errorf("vhost set mem table: %w", err)
	}

	cid := v.guestCID
	if err := v.ioctl(vhostIOW(0x60, 8), unsafe.Pointer(&cid)); err != nil {
		return fmt.Errorf("vhost set guest cid: %w", err)
	}

	return nil
}

func (v *Vsock) DeviceID() uint32 { return DeviceIDVsock }

func (v *Vsock) Features() uint64 { return 0 }

func (v *Vsock) NumQueues() int { return 3 }

func (v *Vsock) Attach(t *Transport) { v.t = t }

func (v *Vsock) ConfigBytes() []byte {
	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, v.guestCID)

	return cfg
}

// QueueReady hands a data queue to the kernel once the driver set it
// up. The event queue stays in userspace and is simply parked.
func (v *Vsock) QueueReady(index int) {
	if index == vsockQueueEvent {
		return
	}

	q := v.t.Queue(index)
	if q == nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.setupVring(index, q); err != nil {
		logrus.WithError(err).Errorf("vsock vring %d setup failed", index)

		return
	}

	v.ready[index] = true

	if v.ready[vsockQueueRX] && v.ready[vsockQueueTX] && !v.running {
		running := int32(1)
		if err := v.ioctl(vhostIOW(0x61, 4), unsafe.Pointer(&running)); err == nil {
			v.running = true
		}
	}
}

func (v *Vsock) setupVring(index int, q *Queue) error {
	state := vhostVringState{Index: uint32(index), Num: uint32(q.size)}
	if err := v.ioctl(vhostIOW(0x10, unsafe.Sizeof(state)), unsafe.Pointer(&state)); err != nil {
		return fmt.Errorf("set vring num: %w", err)
	}

	base := vhostVringState{Index: uint32(index), Num: 0}
	if err := v.ioctl(vhostIOW(0x12, unsafe.Sizeof(base)), unsafe.Pointer(&base)); err != nil {
		return fmt.Errorf("set vring base: %w", err)
	}

	addr := vhostVringAddr{
		Index:         uint32(index),
		DescUserAddr:  uint64(uintptr(unsafe.Pointer(&v.mem[q.descAddr]))),
		AvailUserAddr: uint64(uintptr(unsafe.Pointer(&v.mem[q.availAddr]))),
		UsedUserAddr:  uint64(uintptr(unsafe.Pointer(&v.mem[q.usedAddr]))),
	}
	if err := v.ioctl(vhostIOW(0x11, unsafe.Sizeof(addr)), unsafe.Pointer(&addr)); err != nil {
		return fmt.Errorf("set vring addr: %w", err)
	}

	kickFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}

	kick := vhostVringFile{Index: uint32(index), FD: int32(kickFd)}
	if err := v.ioctl(vhostIOW(0x20, unsafe.Sizeof(kick)), unsafe.Pointer(&kick)); err != nil {
		unix.Close(kickFd)

		return fmt.Errorf("set vring kick: %w", err)
	}

	callFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(kickFd)

		return err
	}

	call := vhostVringFile{Index: uint32(index), FD: int32(callFd)}
	if err := v.ioctl(vhostIOW(0x21, unsafe.Sizeof(call)), unsafe.Pointer(&call)); err != nil {
		unix.Close(kickFd)
		unix.Close(callFd)

		return fmt.Errorf("set vring call: %w", err)
	}

	// Kernel-injected interrupts bypass the transport, so the line is
	// wired straight into the irqchip.
	if err := kvm.AttachIRQFD(v.vmFd, callFd, v.t.IRQ); err != nil {
		unix.Close(kickFd)
		unix.Close(callFd)

		return fmt.Errorf("attach irqfd: %w", err)
	}

	v.kickFDs[index] = kickFd
	v.callFDs[index] = callFd

	return nil
}

// Notify forwards a guest kick to the kernel worker.
func (v *Vsock) Notify(queue int) {
	if queue == vsockQueueEvent {
		return
	}

	v.mu.Lock()
	fd := -1
	if queue >= 0 && queue < len(v.kickFDs) {
		fd = v.kickFDs[queue]
	}
	v.mu.Unlock()

	if fd < 0 {
		return
	}

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(fd, one[:])
}

func (v *Vsock) GuestCID() uint64 { return v.guestCID }

func (v *Vsock) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.running {
		running := int32(0)
		_ = v.ioctl(vhostIOW(0x61, 4), unsafe.Pointer(&running))
		v.running = false
	}

	for _, fd := range append(v.kickFDs[:], v.callFDs[:]...) {
		if fd >= 0 {
			unix.Close(fd)
		}
	}

	return v.vhost.Close()
}
