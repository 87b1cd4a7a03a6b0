package virtio

import (
	"encoding/binary"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	SectorSize = 512

	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
	blkTGetID = 8

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkFeatureRO    = uint64(1) << 5
	blkFeatureFlush = uint64(1) << 9

	blkIDLen = 20
)

// Blk serves one disk image over a single request queue.
type Blk struct {
	t *Transport

	file     *os.File
	readOnly bool
	capacity uint64 // sectors

	serial string

	kick chan struct{}
	done chan struct{}
}

// NewBlk wraps an already-open image file. Capacity is whatever the
// file currently holds, rounded down to whole sectors.
func NewBlk(file *os.File, readOnly bool, serial string) (*Blk, error) {
	fi, err := file.Stat()
	if err != nil {
		return nil, err
	}

	return &Blk{
		file:     file,
		readOnly: readOnly,
		capacity: uint64(fi.Size()) / SectorSize,
		serial:   serial,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (v *Blk) DeviceID() uint32 { return DeviceIDBlk }

func (v *Blk) Features() uint64 {
	f := blkFeatureFlush
	if v.readOnly {
		f |= blkFeatureRO
	}

	return f
}

func (v *Blk) NumQueues() int { return 1 }

func (v *Blk) Attach(t *Transport) { v.t = t }

func (v *Blk) QueueReady(index int) {}

func (v *Blk) ConfigBytes() []byte {
	cfg := make([]byte, 8)
	binary.LittleEndian.PutUint64(cfg, v.capacity)

	return cfg
}

func (v *Blk) Notify(queue int) {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// IOThreadEntry drains the request queue on every kick until Close.
func (v *Blk) IOThreadEntry() {
	for {
		select {
		case <-v.done:
			return
		case <-v.kick:
		}

		v.serveQueue()
	}
}

func (v *Blk) Close() error {
	close(v.done)

	return v.file.Close()
}

func (v *Blk) serveQueue() {
	q := v.t.Queue(0)
	if q == nil {
		return
	}

	served := false

	for {
		chain, err := q.Pop()
		if err != nil {
			break
		}

		written := v.serveChain(chain)
		q.Push(chain.Head, written)

		served = true
	}

	if served {
		v.t.SignalUsed()
	}
}

func (v *Blk) serveChain(chain *Chain) uint32 {
	if len(chain.Readable) == 0 || len(chain.Writable) == 0 {
		return 0
	}

	hdr := chain.Readable[0]
	if len(hdr) < 16 {
		return 0
	}

	typ := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])
	offset := int64(sector) * SectorSize

	status := chain.Writable[len(chain.Writable)-1]
	dataOut := chain.Writable[:len(chain.Writable)-1]

	written := uint32(0)

	setStatus := func(s byte) {
		if len(status) > 0 {
			status[0] = s
			written++
		}
	}

	switch typ {
	case blkTIn:
		for _, seg := range dataOut {
			if _, err := v.file.ReadAt(seg, offset); err != nil {
				logrus.WithError(err).Errorf("blk read at sector %d failed", sector)
				setStatus(blkStatusIOErr)

				return written
			}

			offset += int64(len(seg))
			written += uint32(len(seg))
		}

		setStatus(blkStatusOK)
	case blkTOut:
		if v.readOnly {
			setStatus(blkStatusIOErr)

			return written
		}

		for _, seg := range chain.Readable[1:] {
			if _, err := v.file.WriteAt(seg, offset); err != nil {
				logrus.WithError(err).Errorf("blk write at sector %d failed", sector)
				setStatus(blkStatusIOErr)

				return written
			}

			offset += int64(len(seg))
		}

		setStatus(blkStatusOK)
	case blkTFlush:
		if err := v.file.Sync(); err != nil {
			setStatus(blkStatusIOErr)

			return written
		}

		setStatus(blkStatusOK)
	case blkTGetID:
		id := make([]byte, blkIDLen)
		copy(id, v.serial)

		for _, seg := range dataOut {
			n := copy(seg, id)
			id = id[n:]
			written += uint32(n)
		}

		setStatus(blkStatusOK)
	default:
		setStatus(blkStatusUnsupp)
	}

	return written
}
