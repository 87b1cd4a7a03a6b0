package virtio

import (
	"encoding/binary"

	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/fuse"
)

const (
	fsQueueHiprio = 0

	fsNumRequestQueues = 1
)

// Fs exposes one shared directory as a virtio-fs device. Requests from
// both the hiprio and the request queue funnel into the same FUSE
// server.
type Fs struct {
	t *Transport

	tag    string
	server *fuse.Server

	kick chan struct{}
	done chan struct{}
}

func NewFs(dev config.FsDevice) *Fs {
	return &Fs{
		tag:    dev.Tag,
		server: fuse.NewServer(dev.HostPath, dev.ReadOnly, dev.IDMap),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (v *Fs) DeviceID() uint32 { return DeviceIDFs }

func (v *Fs) Features() uint64 { return 0 }

func (v *Fs) NumQueues() int { return 1 + fsNumRequestQueues }

func (v *Fs) Attach(t *Transport) { v.t = t }

func (v *Fs) QueueReady(index int) {}

func (v *Fs) Tag() string { return v.tag }

// ConfigBytes is the tag padded to 36 bytes plus num_request_queues.
func (v *Fs) ConfigBytes() []byte {
	cfg := make([]byte, 36+4)
	copy(cfg, v.tag)
	binary.LittleEndian.PutUint32(cfg[36:], fsNumRequestQueues)

	return cfg
}

func (v *Fs) Notify(queue int) {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// IOThreadEntry serves requests until Close.
func (v *Fs) IOThreadEntry() {
	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
		}

		for q := 0; q < v.NumQueues(); q++ {
			v.serveQueue(q)
		}
	}
}

func (v *Fs) serveQueue(index int) {
	q := v.t.Queue(index)
	if q == nil {
		return
	}

	served := false

	for {
		chain, err := q.Pop()
		if err != nil {
			break
		}

		reply := v.server.Handle(chain.ReadAll())

		written := uint32(0)
		if reply != nil {
			written = chain.WriteAll(reply)
		}

		q.Push(chain.Head, written)

		served = true
	}

	if served {
		v.t.SignalUsed()
	}
}

func (v *Fs) Close() error {
	close(v.done)

	return nil
}
