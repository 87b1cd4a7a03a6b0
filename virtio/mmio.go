package virtio

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// MMIOSize is the guest-physical window each device occupies.
	MMIOSize = 0x200

	mmioMagic   = 0x74726976 // "virt"
	mmioVersion = 2
	mmioVendor  = 0x1af4

	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	interruptUsedRing = 1 << 0
	interruptConfig   = 1 << 1

	// FeatureVersion1 must be offered and acked by every device here.
	FeatureVersion1 = uint64(1) << 32

	DeviceIDNet     = 1
	DeviceIDBlk     = 2
	DeviceIDConsole = 3
	DeviceIDVsock   = 19
	DeviceIDFs      = 26
)

// IRQInjector asserts an edge-triggered interrupt line toward the
// guest. The machine backs it with a deassert/assert pair.
type IRQInjector interface {
	PulseIRQ(irq uint32) error
}

// Device is the device-type half behind an MMIO transport.
type Device interface {
	DeviceID() uint32
	Features() uint64
	NumQueues() int
	Attach(t *Transport)
	QueueReady(index int)
	Notify(queue int)
	ConfigBytes() []byte
}

// Transport is one virtio-mmio register window. All register access
// comes from vCPU threads through the machine's exit dispatch, hence
// the lock.
type Transport struct {
	dev Device

	Base uint64
	IRQ  uint32

	mem      []byte
	injector IRQInjector

	mu sync.Mutex

	queues   []*Queue
	queueSel uint32

	deviceFeatSel  uint32
	driverFeatSel  uint32
	driverFeatures uint64

	status     uint32
	intrStatus uint32
}

func NewTransport(dev Device, mem []byte, base uint64, irq uint32, injector IRQInjector) *Transport {
	t := &Transport{
		dev:      dev,
		Base:     base,
		IRQ:      irq,
		mem:      mem,
		injector: injector,
	}

	t.resetQueues()
	dev.Attach(t)

	return t
}

func (t *Transport) resetQueues() {
	t.queues = make([]*Queue, t.dev.NumQueues())
	for i := range t.queues {
		t.queues[i] = &Queue{mem: t.mem, size: QueueSizeMax}
	}
}

// Queue returns the virtqueue at index, or nil before the driver set
// it up.
func (t *Transport) Queue(index int) *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= len(t.queues) {
		return nil
	}

	return t.queues[index]
}

// SignalUsed tells the driver the device consumed buffers.
func (t *Transport) SignalUsed() {
	t.mu.Lock()
	t.intrStatus |= interruptUsedRing
	t.mu.Unlock()

	if err := t.injector.PulseIRQ(t.IRQ); err != nil {
		logrus.WithError(err).Warnf("virtio irq %d pulse failed", t.IRQ)
	}
}

// SignalConfig tells the driver the config space changed.
func (t *Transport) SignalConfig() {
	t.mu.Lock()
	t.intrStatus |= interruptConfig
	t.mu.Unlock()

	if err := t.injector.PulseIRQ(t.IRQ); err != nil {
		logrus.WithError(err).Warnf("virtio irq %d pulse failed", t.IRQ)
	}
}

// Owns reports whether addr falls in this device's register window.
func (t *Transport) Owns(addr uint64) bool {
	return addr >= t.Base && addr < t.Base+MMIOSize
}

func (t *Transport) selQueue() *Queue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}

	return t.queues[t.queueSel]
}

// Read handles a guest load from the register window.
func (t *Transport) Read(addr uint64, data []byte) {
	offset := addr - t.Base

	if offset >= regConfig {
		cfg := t.dev.ConfigBytes()

		for i := range data {
			j := int(offset) - regConfig + i
			if j < len(cfg) {
				data[i] = cfg[j]
			} else {
				data[i] = 0
			}
		}

		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var v uint32

	switch offset {
	case regMagicValue:
		v = mmioMagic
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = t.dev.DeviceID()
	case regVendorID:
		v = mmioVendor
	case regDeviceFeatures:
		features := t.dev.Features() | FeatureVersion1
		v = uint32(features >> (32 * t.deviceFeatSel))
	case regQueueNumMax:
		if t.selQueue() != nil {
			v = QueueSizeMax
		}
	case regQueueReady:
		if q := t.selQueue(); q != nil && q.ready {
			v = 1
		}
	case regInterruptStatus:
		v = t.intrStatus
	case regStatus:
		v = t.status
	case regConfigGeneration:
		v = 0
	default:
		// unknown registers read as zero
	}

	putLE(data, v)
}

// Write handles a guest store to the register window.
func (t *Transport) Write(addr uint64, data []byte) {
	offset := addr - t.Base

	if offset >= regConfig {
		logrus.Debugf("virtio device %d: config write at %#x ignored", t.dev.DeviceID(), offset)

		return
	}

	v := getLE(data)

	t.mu.Lock()

	var (
		notify     = -1
		readyIndex = -1
	)

	switch offset {
	case regDeviceFeaturesSel:
		t.deviceFeatSel = v
	case regDriverFeatures:
		shift := 32 * t.driverFeatSel
		t.driverFeatures = t.driverFeatures&^(uint64(0xffffffff)<<shift) | uint64(v)<<shift
	case regDriverFeaturesSel:
		t.driverFeatSel = v
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		if q := t.selQueue(); q != nil && v > 0 && v <= QueueSizeMax {
			q.size = uint16(v)
		}
	case regQueueReady:
		if q := t.selQueue(); q != nil {
			q.ready = v == 1
			if q.ready {
				readyIndex = int(t.queueSel)
			}
		}
	case regQueueNotify:
		notify = int(v)
	case regInterruptACK:
		t.intrStatus &^= v
	case regStatus:
		if v == 0 {
			t.resetQueues()
			t.driverFeatures = 0
			t.intrStatus = 0
		}

		t.status = v
	case regQueueDescLow:
		if q := t.selQueue(); q != nil {
			q.descAddr = q.descAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDescHigh:
		if q := t.selQueue(); q != nil {
			q.descAddr = q.descAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case regQueueDriverLow:
		if q := t.selQueue(); q != nil {
			q.availAddr = q.availAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDriverHigh:
		if q := t.selQueue(); q != nil {
			q.availAddr = q.availAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	case regQueueDeviceLow:
		if q := t.selQueue(); q != nil {
			q.usedAddr = q.usedAddr&^uint64(0xffffffff) | uint64(v)
		}
	case regQueueDeviceHigh:
		if q := t.selQueue(); q != nil {
			q.usedAddr = q.usedAddr&uint64(0xffffffff) | uint64(v)<<32
		}
	default:
		logrus.Debugf("virtio device %d: write to unknown register %#x", t.dev.DeviceID(), offset)
	}

	t.mu.Unlock()

	// Device callbacks run unlocked so they can touch queues.
	if readyIndex >= 0 {
		t.dev.QueueReady(readyIndex)
	}

	if notify >= 0 {
		t.dev.Notify(notify)
	}
}

func putLE(data []byte, v uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(data, v)
	case 8:
		binary.LittleEndian.PutUint64(data, uint64(v))
	}
}

func getLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	case 4:
		return binary.LittleEndian.Uint32(data)
	case 8:
		return uint32(binary.LittleEndian.Uint64(data))
	}

	return 0
}
