package machine

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/capsa-vm/capsa/migration"
)

// The migration protocol paths only touch guest memory and the wire,
// so a bare Machine with a backing slice is enough to drive them.
func newMigrateMachine(pages int) *Machine {
	return &Machine{mem: make([]byte, pages*pageSize)}
}

func TestCollectDirtyPagesRoundTrip(t *testing.T) {
	t.Parallel()

	src := newMigrateMachine(8)
	copy(src.mem[2*pageSize:], bytes.Repeat([]byte{0xaa}, pageSize))
	copy(src.mem[5*pageSize:], bytes.Repeat([]byte{0x55}, pageSize))

	bitmapBytes, pageData, err := src.collectDirtyPages([]uint64{1<<2 | 1<<5})
	if err != nil {
		t.Fatalf("collectDirtyPages: %v", err)
	}

	if len(pageData) != 2*pageSize {
		t.Fatalf("packed %d bytes, want 2 pages", len(pageData))
	}

	dst := newMigrateMachine(8)
	if err := dst.ApplyDirtyPages(bitmapBytes, pageData); err != nil {
		t.Fatalf("ApplyDirtyPages: %v", err)
	}

	if !bytes.Equal(dst.mem, src.mem) {
		t.Fatal("memory differs after dirty-page round trip")
	}
}

func TestReceiveMigrationAppliesMemoryAndDisk(t *testing.T) {
	t.Parallel()

	dst := newMigrateMachine(4)
	diskPath := filepath.Join(t.TempDir(), "disk.img")

	srcConn, dstConn := net.Pipe()

	full := bytes.Repeat([]byte{0x11}, 4*pageSize)
	dirtyPage := bytes.Repeat([]byte{0x22}, pageSize)
	disk := []byte("disk image payload")

	go func() {
		defer srcConn.Close()

		sender := migration.NewSender(srcConn)

		if err := sender.SendMemoryFull(full); err != nil {
			return
		}

		bitmapBytes := make([]byte, 8)
		bitmapBytes[0] = 1 << 3

		if err := sender.SendMemoryDirty(bitmapBytes, dirtyPage); err != nil {
			return
		}

		sender.SendDiskFull(disk)
	}()

	// The stream ends without a snapshot, so the receive loop errors
	// out after the payloads have been applied.
	if err := dst.ReceiveMigration(dstConn, []string{diskPath}); err == nil {
		t.Fatal("truncated stream: want error")
	}

	if !bytes.Equal(dst.mem[:3*pageSize], full[:3*pageSize]) {
		t.Fatal("full memory not applied")
	}

	if !bytes.Equal(dst.mem[3*pageSize:], dirtyPage) {
		t.Fatal("dirty round not applied on top of full memory")
	}

	got, err := os.ReadFile(diskPath)
	if err != nil {
		t.Fatalf("read received disk: %v", err)
	}

	if !bytes.Equal(got, disk) {
		t.Fatal("disk image contents differ")
	}
}

func TestReceiveMigrationTooManyDisks(t *testing.T) {
	t.Parallel()

	dst := newMigrateMachine(1)

	srcConn, dstConn := net.Pipe()

	go func() {
		defer srcConn.Close()
		migration.NewSender(srcConn).SendDiskFull([]byte("x"))
	}()

	if err := dst.ReceiveMigration(dstConn, nil); !errors.Is(err, errTooManyDisks) {
		t.Fatalf("got %v, want errTooManyDisks", err)
	}
}

func TestReceiveMigrationDoneBeforeSnapshot(t *testing.T) {
	t.Parallel()

	dst := newMigrateMachine(1)

	srcConn, dstConn := net.Pipe()

	go func() {
		defer srcConn.Close()
		migration.NewSender(srcConn).SendDone()
	}()

	if err := dst.ReceiveMigration(dstConn, nil); !errors.Is(err, errDoneBeforeSnapshot) {
		t.Fatalf("got %v, want errDoneBeforeSnapshot", err)
	}
}

func TestApplySnapshotShapeMismatch(t *testing.T) {
	t.Parallel()

	m := newMigrateMachine(1)

	snap := &migration.Snapshot{VCPUs: 2, MemSize: pageSize}
	if err := m.applySnapshot(snap); !errors.Is(err, errSnapshotShapeMismatch) {
		t.Fatalf("got %v, want errSnapshotShapeMismatch", err)
	}
}

func TestPauseAndWaitBlocksOnRunningLoops(t *testing.T) {
	t.Parallel()

	m := &Machine{shutdown: make(chan struct{})}
	m.running.Add(1)

	released := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.running.Add(-1)
		close(released)
	}()

	m.PauseAndWait()

	select {
	case <-released:
	default:
		t.Fatal("PauseAndWait returned while a run loop was still live")
	}

	if !m.stopped.Load() {
		t.Fatal("PauseAndWait did not stop the machine")
	}
}
