package migration_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"

	"github.com/capsa-vm/capsa/migration"
	"github.com/capsa-vm/capsa/virtio"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

// mustNext calls recv.Next and fails the test on error.
func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

// makeSnapshot returns a Snapshot with non-zero values in every field so
// that a round-trip test catches missing or swapped fields.
func makeSnapshot() *migration.Snapshot {
	cpu := migration.VCPUState{
		Regs:      []byte{0x01, 0x02, 0x03},
		Sregs:     []byte{0x04, 0x05},
		MSRs:      []migration.MSREntry{{Index: 0x10, Data: 0x20}, {Index: 0x30, Data: 0x40}},
		LAPIC:     []byte{0xAB},
		Events:    []byte{0xCD},
		MPState:   1,
		DebugRegs: []byte{0xEF},
		XCRS:      []byte{0xFF},
	}

	vm := migration.VMState{
		Clock:         []byte{0x11},
		IRQChipPIC0:   []byte{0x22},
		IRQChipPIC1:   []byte{0x33},
		IRQChipIOAPIC: []byte{0x44},
		PIT2:          []byte{0x55},
	}

	blk := virtio.TransportState{
		Status:          0x0f,
		InterruptStatus: 0x01,
		DriverFeatures:  1 << 32,
		QueueSel:        0,
		Queues: []virtio.QueueState{
			{Num: 256, Ready: true, DescAddr: 0x1000, AvailAddr: 0x2000, UsedAddr: 0x3000, NextAvail: 7, NextUsed: 7},
		},
	}

	net := virtio.TransportState{
		Status:         0x0f,
		DriverFeatures: 1<<32 | 1<<5,
		QueueSel:       1,
		Queues: []virtio.QueueState{
			{Num: 256, Ready: true, DescAddr: 0x4000, AvailAddr: 0x5000, UsedAddr: 0x6000, NextAvail: 3, NextUsed: 2},
			{Num: 256, Ready: true, DescAddr: 0x7000, AvailAddr: 0x8000, UsedAddr: 0x9000, NextAvail: 5, NextUsed: 5},
		},
	}

	return &migration.Snapshot{
		VCPUs:   2,
		MemSize: 1 << 25,
		CPUs:    []migration.VCPUState{cpu, cpu},
		VM:      vm,
		Devices: migration.DeviceState{
			Serial:     migration.SerialState{IER: 0x0F, LCR: 0x03},
			Transports: []virtio.TransportState{blk, net},
		},
	}
}

func TestSendReceiveDone(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendDone(); err != nil {
			t.Errorf("SendDone: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDone {
		t.Fatalf("got type %d, want MsgDone (%d)", msgType, migration.MsgDone)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgDone should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReady(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReady(); err != nil {
			t.Errorf("SendReady: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgReady {
		t.Fatalf("got type %d, want MsgReady (%d)", msgType, migration.MsgReady)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgReady should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveMemoryFull(t *testing.T) {
	t.Parallel()

	const memSize = 4096 * 3
	mem := make([]byte, memSize)

	for i := range mem {
		mem[i] = byte(i % 251)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryFull(mem); err != nil {
			t.Errorf("SendMemoryFull: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull (%d)", msgType, migration.MsgMemoryFull)
	}

	if !bytes.Equal(payload, mem) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(mem))
	}
}

// TestSendReceiveDiskFull verifies that disk image bytes survive the wire
// encoding intact.
func TestSendReceiveDiskFull(t *testing.T) {
	t.Parallel()

	const diskSize = 4096 * 2
	disk := make([]byte, diskSize)

	for i := range disk {
		disk[i] = byte(i % 199)
	}

	sender, recv := pipe()

	go func() {
		if err := sender.SendDiskFull(disk); err != nil {
			t.Errorf("SendDiskFull: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgDiskFull {
		t.Fatalf("got type %d, want MsgDiskFull (%d)", msgType, migration.MsgDiskFull)
	}

	if !bytes.Equal(payload, disk) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(disk))
	}
}

func TestSendReceiveMemoryDirty(t *testing.T) {
	t.Parallel()

	// Dirty pages 0 and 2 (bitmap word = 0b0101).
	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 5)

	page0 := bytes.Repeat([]byte{0xAA}, 4096)
	page2 := bytes.Repeat([]byte{0xBB}, 4096)
	pageData := make([]byte, 0, 8192)
	pageData = append(pageData, page0...)
	pageData = append(pageData, page2...)

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			t.Errorf("SendMemoryDirty: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty (%d)", msgType, migration.MsgMemoryDirty)
	}

	gotBitmap, gotPageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDirtyPayload: %v", err)
	}

	if !bytes.Equal(gotBitmap, bitmapBytes) {
		t.Fatalf("bitmap mismatch: got %x, want %x", gotBitmap, bitmapBytes)
	}

	if !bytes.Equal(gotPageData, pageData) {
		t.Fatalf("page data mismatch (len got=%d want=%d)", len(gotPageData), len(pageData))
	}
}

func TestSendReceiveSnapshot(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()
	sender, recv := pipe()

	go func() {
		if err := sender.SendSnapshot(snap); err != nil {
			t.Errorf("SendSnapshot: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got type %d, want MsgSnapshot (%d)", msgType, migration.MsgSnapshot)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot round-trip mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
}

// TestFullMigrationProtocol sends the complete sequence of messages a real
// source would produce and verifies the receiver sees them in order.
func TestFullMigrationProtocol(t *testing.T) {
	t.Parallel()

	const pageSize = 4096

	const pages = 4

	mem := make([]byte, pageSize*pages)
	for i := range mem {
		mem[i] = byte(i)
	}

	// Dirty round: pages 1 and 3 (bitmap word = 0b1010).
	bitmapBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(bitmapBytes, 0xA)

	dirtyPage1 := bytes.Repeat([]byte{0x11}, pageSize)
	dirtyPage3 := bytes.Repeat([]byte{0x33}, pageSize)
	pageData := make([]byte, 0, pageSize*2)
	pageData = append(pageData, dirtyPage1...)
	pageData = append(pageData, dirtyPage3...)

	snap := makeSnapshot()

	disk := bytes.Repeat([]byte{0xDA}, pageSize*2)

	sender, recv := pipe()

	errc := make(chan error, 1)

	go func() {
		var err error

		if err = sender.SendMemoryFull(mem); err != nil {
			errc <- err

			return
		}

		if err = sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			errc <- err

			return
		}

		if err = sender.SendDiskFull(disk); err != nil {
			errc <- err

			return
		}

		if err = sender.SendSnapshot(snap); err != nil {
			errc <- err

			return
		}

		err = sender.SendDone()
		errc <- err
	}()

	wantTypes := []migration.MsgType{
		migration.MsgMemoryFull,
		migration.MsgMemoryDirty,
		migration.MsgDiskFull,
		migration.MsgSnapshot,
		migration.MsgDone,
	}

	for _, wantType := range wantTypes {
		msgType, payload, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", wantType, err)
		}

		if msgType != wantType {
			t.Fatalf("message order: got type %d, want %d", msgType, wantType)
		}

		switch msgType {
		case migration.MsgMemoryFull:
			if !bytes.Equal(payload, mem) {
				t.Fatalf("MsgMemoryFull payload mismatch")
			}

		case migration.MsgMemoryDirty:
			gb, gd, err := migration.DecodeDirtyPayload(payload)
			if err != nil {
				t.Fatalf("DecodeDirtyPayload: %v", err)
			}

			if !bytes.Equal(gb, bitmapBytes) {
				t.Fatalf("dirty bitmap mismatch: %x vs %x", gb, bitmapBytes)
			}

			if !bytes.Equal(gd, pageData) {
				t.Fatalf("dirty page data mismatch")
			}

		case migration.MsgDiskFull:
			if !bytes.Equal(payload, disk) {
				t.Fatalf("MsgDiskFull payload mismatch: got %d bytes, want %d", len(payload), len(disk))
			}

		case migration.MsgSnapshot:
			got, err := migration.DecodeSnapshot(payload)
			if err != nil {
				t.Fatalf("DecodeSnapshot: %v", err)
			}

			if !reflect.DeepEqual(got, snap) {
				t.Fatalf("snapshot mismatch")
			}

		case migration.MsgDone:
			if len(payload) != 0 {
				t.Fatalf("MsgDone should have no payload")
			}

		case migration.MsgReady:
			t.Fatalf("unexpected MsgReady from source")

		default:
			t.Fatalf("unexpected message type: %v", msgType)
		}
	}

	if err := <-errc; err != nil {
		t.Fatalf("sender goroutine: %v", err)
	}
}

func TestDecodeDirtyPayloadTooShort(t *testing.T) {
	t.Parallel()

	_, _, err := migration.DecodeDirtyPayload([]byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected error for short payload, got nil")
	}
}

func TestDecodeDirtyPayloadTruncatedBitmap(t *testing.T) {
	t.Parallel()

	// Announce 100 bytes of bitmap but provide only 4.
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint64(hdr, 100)

	payload := make([]byte, 0, 12)
	payload = append(payload, hdr...)
	payload = append(payload, 0x01, 0x02, 0x03, 0x04)

	_, _, err := migration.DecodeDirtyPayload(payload)
	if err == nil {
		t.Fatal("expected error for truncated bitmap, got nil")
	}
}

func TestDecodeDirtyPayloadEmptyBitmap(t *testing.T) {
	t.Parallel()

	// Zero-length bitmap with non-empty page data.
	hdr := make([]byte, 8)
	payload := make([]byte, 0, 10)
	payload = append(payload, hdr...)
	payload = append(payload, 0xDE, 0xAD)

	bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bitmapBytes) != 0 {
		t.Fatalf("expected empty bitmap, got %d bytes", len(bitmapBytes))
	}

	if len(pageData) != 2 {
		t.Fatalf("expected 2 bytes of page data, got %d", len(pageData))
	}
}

func TestDecodeSnapshotInvalidGob(t *testing.T) {
	t.Parallel()

	_, err := migration.DecodeSnapshot([]byte{0xFF, 0xFE, 0xFD})
	if err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}

func TestSnapshotGobRoundTrip(t *testing.T) {
	t.Parallel()

	snap := makeSnapshot()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendSnapshot(snap); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != migration.MsgSnapshot {
		t.Fatalf("got %d, want MsgSnapshot", msgType)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if got.VCPUs != snap.VCPUs || got.MemSize != snap.MemSize {
		t.Fatalf("snapshot metadata mismatch: got VCPUs=%d MemSize=%d, want VCPUs=%d MemSize=%d",
			got.VCPUs, got.MemSize, snap.VCPUs, snap.MemSize)
	}

	if len(got.CPUs) != len(snap.CPUs) {
		t.Fatalf("CPUs length: got %d, want %d", len(got.CPUs), len(snap.CPUs))
	}

	for i := range snap.CPUs {
		if !reflect.DeepEqual(got.CPUs[i], snap.CPUs[i]) {
			t.Fatalf("CPUs[%d] mismatch", i)
		}
	}

	if !reflect.DeepEqual(got.VM, snap.VM) {
		t.Fatalf("VMState mismatch:\ngot  %+v\nwant %+v", got.VM, snap.VM)
	}

	if got.Devices.Serial != snap.Devices.Serial {
		t.Fatalf("SerialState mismatch")
	}

	if !reflect.DeepEqual(got.Devices.Transports, snap.Devices.Transports) {
		t.Fatalf("transport state mismatch:\ngot  %+v\nwant %+v", got.Devices.Transports, snap.Devices.Transports)
	}
}

// TestSnapshotNoTransports verifies that a Snapshot from a VM with no virtio
// devices round-trips with Transports empty.
func TestSnapshotNoTransports(t *testing.T) {
	t.Parallel()

	snap := &migration.Snapshot{
		VCPUs:   1,
		MemSize: 1 << 25,
		CPUs: []migration.VCPUState{
			{Regs: []byte{1, 2}, MPState: 0},
		},
		VM: migration.VMState{Clock: []byte{0xAA}},
		Devices: migration.DeviceState{
			Serial: migration.SerialState{IER: 0x01, LCR: 0x02},
		},
	}

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)

	if err := sender.SendSnapshot(snap); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	recv := migration.NewReceiver(&buf)

	_, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	got, err := migration.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if len(got.Devices.Transports) != 0 {
		t.Fatalf("expected no transport state, got %d entries", len(got.Devices.Transports))
	}
}

// TestMultipleMessages verifies that messages sent back to back over the
// same connection are demultiplexed correctly.
func TestMultipleMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sender := migration.NewSender(&buf)
	recv := migration.NewReceiver(&buf)

	_ = sender.SendReady()
	_ = sender.SendDone()
	_ = sender.SendMemoryFull([]byte{1, 2, 3})

	for i, wantType := range []migration.MsgType{
		migration.MsgReady,
		migration.MsgDone,
		migration.MsgMemoryFull,
	} {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}

		if msgType != wantType {
			t.Fatalf("message %d: got type %d, want %d", i, msgType, wantType)
		}
	}
}

// TestReceiverEOF verifies that Next returns an error when the stream is
// closed before a full header is delivered.
func TestReceiverEOF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error on empty stream, got nil")
	}
}

// TestReceiverTruncatedHeader verifies that Next returns an error when the
// stream ends in the middle of a header.
func TestReceiverTruncatedHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	buf.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

// TestReceiverTruncatedPayload verifies that Next returns an error when the
// header claims more payload bytes than the stream delivers.
func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(migration.MsgMemoryFull))
	binary.BigEndian.PutUint64(hdr[4:12], 1000)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02, 0x03})

	recv := migration.NewReceiver(&buf)
	_, _, err := recv.Next()

	if err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}

func TestSendMemoryFullEmpty(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryFull([]byte{}); err != nil {
			t.Errorf("SendMemoryFull(empty): %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull", msgType)
	}

	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(payload))
	}
}

func TestSendMemoryDirtyEmptyInputs(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendMemoryDirty(nil, nil); err != nil {
			t.Errorf("SendMemoryDirty(nil,nil): %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgMemoryDirty {
		t.Fatalf("got type %d, want MsgMemoryDirty", msgType)
	}

	bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDirtyPayload: %v", err)
	}

	if len(bitmapBytes) != 0 {
		t.Fatalf("expected empty bitmap, got %d bytes", len(bitmapBytes))
	}

	if len(pageData) != 0 {
		t.Fatalf("expected empty page data, got %d bytes", len(pageData))
	}
}
