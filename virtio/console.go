package virtio

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	consoleQueueRX = 0
	consoleQueueTX = 1
)

// Console is a single-port virtio console. Guest output lands on out,
// host input queues up until the guest posts receive buffers.
type Console struct {
	t *Transport

	out io.Writer

	mu      sync.Mutex
	pending []byte

	kick chan struct{}
	done chan struct{}
}

func NewConsole(out io.Writer) *Console {
	return &Console{
		out:  out,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (v *Console) DeviceID() uint32 { return DeviceIDConsole }

func (v *Console) Features() uint64 { return 0 }

func (v *Console) NumQueues() int { return 2 }

func (v *Console) Attach(t *Transport) { v.t = t }

func (v *Console) QueueReady(index int) {
	if index == consoleQueueRX {
		v.flushInput()
	}
}

func (v *Console) ConfigBytes() []byte {
	return make([]byte, 8) // cols, rows, max_nr_ports
}

func (v *Console) Notify(queue int) {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// IOThreadEntry drains guest output on every kick until Close.
func (v *Console) IOThreadEntry() {
	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
		}

		v.serveTX()
		v.flushInput()
	}
}

func (v *Console) serveTX() {
	q := v.t.Queue(consoleQueueTX)
	if q == nil {
		return
	}

	served := false

	for {
		chain, err := q.Pop()
		if err != nil {
			break
		}

		if v.out != nil {
			if _, err := v.out.Write(chain.ReadAll()); err != nil {
				logrus.WithError(err).Debug("console output write failed")
			}
		}

		q.Push(chain.Head, 0)

		served = true
	}

	if served {
		v.t.SignalUsed()
	}
}

// WriteInput queues host bytes for the guest.
func (v *Console) WriteInput(data []byte) {
	v.mu.Lock()
	v.pending = append(v.pending, data...)
	v.mu.Unlock()

	v.flushInput()
}

// flushInput moves pending input into receive buffers. The queue's
// own indices carry over between calls, so partial drains pick up
// exactly where the previous one stopped.
func (v *Console) flushInput() {
	q := v.t.Queue(consoleQueueRX)
	if q == nil {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	served := false

	for len(v.pending) > 0 {
		chain, err := q.Pop()
		if err != nil {
			break
		}

		n := chain.WriteAll(v.pending)
		v.pending = v.pending[n:]
		q.Push(chain.Head, n)

		served = true
	}

	if served {
		v.t.SignalUsed()
	}
}

func (v *Console) Close() error {
	close(v.done)

	return nil
}
