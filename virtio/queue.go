// Package virtio implements an MMIO-transport virtio device model with
// split queues. Devices: blk, net, console, fs and vsock.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// QueueSizeMax is advertised through QueueNumMax for every queue.
	QueueSizeMax = 256

	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1

	descSize = 16
)

var (
	ErrQueueEmpty   = errors.New("no available descriptors")
	ErrBadDescriptor = errors.New("descriptor outside guest memory")
	ErrChainTooLong = errors.New("descriptor chain exceeds queue size")
)

// Queue is one split virtqueue. The (nextAvail, nextUsed) indices live
// here for the lifetime of the device. They must survive across queue
// events; resetting them while the guest driver keeps its own counters
// replays or drops buffers.
type Queue struct {
	mem []byte

	size uint16

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	ready bool

	nextAvail uint16
	nextUsed  uint16
}

// Chain is one popped descriptor chain. Readable and Writable alias
// guest memory directly, so devices DMA by plain copy.
type Chain struct {
	Head     uint16
	Readable [][]byte
	Writable [][]byte
}

// ReadableSize returns the total length of the device-readable part.
func (c *Chain) ReadableSize() int {
	n := 0
	for _, seg := range c.Readable {
		n += len(seg)
	}

	return n
}

// WritableSize returns the total length of the device-writable part.
func (c *Chain) WritableSize() int {
	n := 0
	for _, seg := range c.Writable {
		n += len(seg)
	}

	return n
}

// ReadAll copies the readable segments into one buffer.
func (c *Chain) ReadAll() []byte {
	buf := make([]byte, 0, c.ReadableSize())
	for _, seg := range c.Readable {
		buf = append(buf, seg...)
	}

	return buf
}

// WriteAll scatters data across the writable segments and returns the
// number of bytes that fit.
func (c *Chain) WriteAll(data []byte) uint32 {
	written := 0

	for _, seg := range c.Writable {
		if len(data) == 0 {
			break
		}

		n := copy(seg, data)
		data = data[n:]
		written += n
	}

	return uint32(written)
}

func (q *Queue) segment(addr uint64, length uint32) ([]byte, error) {
	end := addr + uint64(length)
	if end < addr || end > uint64(len(q.mem)) {
		return nil, fmt.Errorf("%w: addr %#x len %#x", ErrBadDescriptor, addr, length)
	}

	return q.mem[addr:end], nil
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (q *Queue) desc(i uint16) descriptor {
	off := q.descAddr + uint64(i)*descSize
	raw := q.mem[off : off+descSize]

	return descriptor{
		addr:  binary.LittleEndian.Uint64(raw[0:8]),
		len:   binary.LittleEndian.Uint32(raw[8:12]),
		flags: binary.LittleEndian.Uint16(raw[12:14]),
		next:  binary.LittleEndian.Uint16(raw[14:16]),
	}
}

// availIdx reads the driver's producer index from guest memory.
func (q *Queue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.availAddr+2:])
}

// HasAvail reports whether the driver has queued buffers the device
// has not popped yet.
func (q *Queue) HasAvail() bool {
	return q.ready && q.nextAvail != q.availIdx()
}

// Pop takes the next available descriptor chain off the queue.
func (q *Queue) Pop() (*Chain, error) {
	if !q.ready || q.nextAvail == q.availIdx() {
		return nil, ErrQueueEmpty
	}

	ringOff := q.availAddr + 4 + uint64(q.nextAvail%q.size)*2
	head := binary.LittleEndian.Uint16(q.mem[ringOff:])

	chain := &Chain{Head: head}

	id := head
	for n := uint16(0); ; n++ {
		if n >= q.size {
			return nil, ErrChainTooLong
		}

		d := q.desc(id % q.size)

		seg, err := q.segment(d.addr, d.len)
		if err != nil {
			return nil, err
		}

		if d.flags&descFlagWrite != 0 {
			chain.Writable = append(chain.Writable, seg)
		} else {
			chain.Readable = append(chain.Readable, seg)
		}

		if d.flags&descFlagNext == 0 {
			break
		}

		id = d.next
	}

	q.nextAvail++

	return chain, nil
}

// Push returns a chain to the driver through the used ring, recording
// how many bytes the device wrote.
func (q *Queue) Push(head uint16, written uint32) {
	slot := uint64(q.nextUsed % q.size)
	off := q.usedAddr + 4 + slot*8

	binary.LittleEndian.PutUint32(q.mem[off:], uint32(head))
	binary.LittleEndian.PutUint32(q.mem[off+4:], written)

	q.nextUsed++
	binary.LittleEndian.PutUint16(q.mem[q.usedAddr+2:], q.nextUsed)
}
