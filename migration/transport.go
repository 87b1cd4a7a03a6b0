package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// Each message on the wire is
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload]
//
// so the receiver can demultiplex without knowing payload internals.

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	// MsgSnapshot carries a gob-encoded Snapshot, memory excluded.
	MsgSnapshot MsgType = 1
	// MsgMemoryFull carries the whole guest memory image.
	MsgMemoryFull MsgType = 2
	// MsgMemoryDirty carries one pre-copy round: a dirty bitmap
	// followed by the packed dirty pages.
	MsgMemoryDirty MsgType = 3
	// MsgDone means the source finished sending.
	MsgDone MsgType = 4
	// MsgReady means the destination VM is running.
	MsgReady MsgType = 5
	// MsgDiskFull carries a raw disk image for hosts without shared
	// storage.
	MsgDiskFull MsgType = 6
)

const frameHeaderSize = 12

var (
	errDirtyPayloadTooShort  = errors.New("dirty payload too short")
	errDirtyPayloadTruncated = errors.New("dirty payload truncated")
)

// Sender writes framed messages to a stream, typically a TCP conn.
type Sender struct {
	w io.Writer
}

func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendSnapshot gob-encodes snap and sends it as one MsgSnapshot.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendMemoryFull sends the raw guest memory in one message.
func (s *Sender) SendMemoryFull(mem []byte) error {
	return s.send(MsgMemoryFull, mem)
}

// SendDiskFull sends a raw disk image in one message.
func (s *Sender) SendDiskFull(disk []byte) error {
	return s.send(MsgDiskFull, disk)
}

// SendMemoryDirty sends one pre-copy round. bitmapBytes is the
// little-endian dirty bitmap, pageData the dirty pages packed in
// ascending page order.
func (s *Sender) SendMemoryDirty(bitmapBytes, pageData []byte) error {
	payload := make([]byte, 8, 8+len(bitmapBytes)+len(pageData))
	binary.BigEndian.PutUint64(payload, uint64(len(bitmapBytes)))
	payload = append(payload, bitmapBytes...)
	payload = append(payload, pageData...)

	return s.send(MsgMemoryDirty, payload)
}

func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// Receiver reads framed messages from a stream.
type Receiver struct {
	r io.Reader
}

func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next blocks for the next message and returns its type and payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeSnapshot decodes a MsgSnapshot payload.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}

// DecodeDirtyPayload splits a MsgMemoryDirty payload into the bitmap
// and the packed page data.
func DecodeDirtyPayload(payload []byte) (bitmapBytes, pageData []byte, err error) {
	if len(payload) < 8 {
		return nil, nil, fmt.Errorf("%w: %d bytes", errDirtyPayloadTooShort, len(payload))
	}

	bitmapLen := binary.BigEndian.Uint64(payload[0:8])
	if uint64(len(payload)-8) < bitmapLen {
		return nil, nil, errDirtyPayloadTruncated
	}

	return payload[8 : 8+bitmapLen], payload[8+bitmapLen:], nil
}
