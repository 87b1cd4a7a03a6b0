package virtio

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/vnet"
)

const (
	netQueueRX = 0
	netQueueTX = 1

	netFeatureMAC = uint64(1) << 5

	// virtio_net_hdr with num_buffers, 12 bytes.
	netHdrSize = 12

	netMaxFrame = 65535
)

// Net bridges the guest NIC to a FrameIO transport. TX descriptors are
// drained on guest kicks; RX runs a dedicated reader goroutine.
type Net struct {
	t *Transport

	fio vnet.FrameIO
	mac net.HardwareAddr

	kick chan struct{}
	done chan struct{}
}

func NewNet(fio vnet.FrameIO, mac net.HardwareAddr) *Net {
	return &Net{
		fio:  fio,
		mac:  mac,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (v *Net) DeviceID() uint32 { return DeviceIDNet }

func (v *Net) Features() uint64 { return netFeatureMAC }

func (v *Net) NumQueues() int { return 2 }

func (v *Net) Attach(t *Transport) { v.t = t }

func (v *Net) QueueReady(index int) {}

func (v *Net) ConfigBytes() []byte {
	cfg := make([]byte, 8)
	copy(cfg, v.mac)

	return cfg
}

func (v *Net) Notify(queue int) {
	if queue != netQueueTX {
		return
	}

	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// TxThreadEntry forwards guest transmit buffers to the frame sink.
func (v *Net) TxThreadEntry() {
	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
		}

		q := v.t.Queue(netQueueTX)
		if q == nil {
			continue
		}

		served := false

		for {
			chain, err := q.Pop()
			if err != nil {
				break
			}

			buf := chain.ReadAll()
			if len(buf) > netHdrSize {
				if err := v.fio.WriteFrame(buf[netHdrSize:]); err != nil {
					logrus.WithError(err).Debug("net tx frame dropped")
				}
			}

			q.Push(chain.Head, 0)

			served = true
		}

		if served {
			v.t.SignalUsed()
		}
	}
}

// RxThreadEntry pushes frames from the sink into guest receive
// buffers. Frames arriving before the driver posts buffers are
// dropped, as a NIC would.
func (v *Net) RxThreadEntry() {
	buf := make([]byte, netMaxFrame)

	for {
		n, err := v.fio.ReadFrame(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}

			select {
			case <-v.done:
				return
			default:
			}

			logrus.WithError(err).Debug("net rx read failed")

			continue
		}

		v.deliver(buf[:n])
	}
}

func (v *Net) deliver(frame []byte) {
	q := v.t.Queue(netQueueRX)
	if q == nil || !q.HasAvail() {
		logrus.Debug("net rx frame dropped, no guest buffers")

		return
	}

	chain, err := q.Pop()
	if err != nil {
		return
	}

	hdr := make([]byte, netHdrSize)
	binary.LittleEndian.PutUint16(hdr[10:], 1) // num_buffers

	written := chain.WriteAll(append(hdr, frame...))
	q.Push(chain.Head, written)
	v.t.SignalUsed()
}

func (v *Net) Close() error {
	close(v.done)

	return v.fio.Close()
}
