package machine

// Live migration over a framed stream. The source keeps running while
// memory is pre-copied; only the final dirty round, the snapshot and
// the optional disk images happen with the vCPUs paused.
//
// Source (MigrateTo):
//  1. Enable dirty-page tracking.
//  2. Send full memory, then up to maxPreCopyRounds dirty rounds while
//     the guest runs. Stop early once the dirty fraction drops below
//     preCopyThreshold.
//  3. PauseAndWait, then QuiesceDevices so nothing writes guest memory
//     or the disk images behind our back.
//  4. Send the disk images, the final dirty round, and the snapshot.
//  5. Send MsgDone and wait for MsgReady.
//
// Destination (ReceiveMigration): the caller builds a Machine from the
// same configuration, skips LoadLinux, and calls ReceiveMigration with
// the accepted connection. On return the state is applied and MsgReady
// has been sent; the caller starts the vCPU loops.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/migration"
)

const (
	// maxPreCopyRounds bounds the dirty-page iterations before the
	// guest is paused for the final transfer.
	maxPreCopyRounds = 3

	// preCopyThreshold is the dirty fraction below which another
	// pre-copy round is not worth it.
	preCopyThreshold = 0.01
)

var (
	errExpectedReady         = errors.New("expected ready message")
	errDoneBeforeSnapshot    = errors.New("done received before snapshot")
	errUnexpectedMessage     = errors.New("unexpected migration message")
	errTooManyDisks          = errors.New("more disk images than configured disks")
	errSnapshotShapeMismatch = errors.New("snapshot does not match this machine")
)

// MigrateTo streams the running machine to conn. diskPaths are the
// image files to carry for hosts without shared storage; pass nil when
// the destination sees the same storage. On success the source machine
// is closed.
func (m *Machine) MigrateTo(conn io.ReadWriter, diskPaths []string) error {
	sender := migration.NewSender(conn)

	if err := m.EnableDirtyTracking(); err != nil {
		return fmt.Errorf("enable dirty tracking: %w", err)
	}

	totalPages := len(m.mem) / pageSize

	logrus.WithField("mib", len(m.mem)>>20).Info("migration: sending full memory")

	if err := sender.SendMemoryFull(m.mem); err != nil {
		return fmt.Errorf("send memory: %w", err)
	}

	for round := 0; round < maxPreCopyRounds; round++ {
		bitmap, err := m.GetAndClearDirtyBitmap()
		if err != nil {
			return err
		}

		dirty := 0
		for _, w := range bitmap {
			dirty += bits.OnesCount64(w)
		}

		logrus.WithFields(logrus.Fields{
			"round": round + 1, "dirty": dirty,
		}).Debug("migration: pre-copy")

		if dirty == 0 || float64(dirty)/float64(totalPages) < preCopyThreshold {
			break
		}

		bitmapBytes, pageData, err := m.collectDirtyPages(bitmap)
		if err != nil {
			return err
		}

		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			return fmt.Errorf("send dirty round %d: %w", round+1, err)
		}
	}

	logrus.Debug("migration: pausing vcpus")
	m.PauseAndWait()

	// Device goroutines stop before the final round so every DMA write
	// lands in the dirty log, and the disk files are flushed before the
	// images are read.
	if err := m.QuiesceDevices(); err != nil {
		return fmt.Errorf("quiesce devices: %w", err)
	}

	for _, path := range diskPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read disk %s: %w", path, err)
		}

		logrus.WithFields(logrus.Fields{
			"path": path, "mib": len(data) >> 20,
		}).Info("migration: sending disk image")

		if err := sender.SendDiskFull(data); err != nil {
			return fmt.Errorf("send disk %s: %w", path, err)
		}
	}

	bitmap, err := m.GetAndClearDirtyBitmap()
	if err != nil {
		return err
	}

	bitmapBytes, pageData, err := m.collectDirtyPages(bitmap)
	if err != nil {
		return err
	}

	if len(pageData) > 0 {
		if err := sender.SendMemoryDirty(bitmapBytes, pageData); err != nil {
			return fmt.Errorf("send final dirty round: %w", err)
		}
	}

	snap, err := m.buildSnapshot()
	if err != nil {
		return err
	}

	if err := sender.SendSnapshot(snap); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}

	if err := sender.SendDone(); err != nil {
		return err
	}

	t, _, err := migration.NewReceiver(conn).Next()
	if err != nil {
		return fmt.Errorf("waiting for ready: %w", err)
	}

	if t != migration.MsgReady {
		return fmt.Errorf("%w: got %v", errExpectedReady, t)
	}

	logrus.Info("migration: destination is running")

	return m.Close()
}

// ReceiveMigration populates the machine from an incoming migration
// stream and acknowledges with MsgReady. diskPaths receive MsgDiskFull
// payloads in order; they must be the same files the machine's block
// devices were opened on.
func (m *Machine) ReceiveMigration(conn io.ReadWriter, diskPaths []string) error {
	recv := migration.NewReceiver(conn)
	sender := migration.NewSender(conn)

	var snap *migration.Snapshot

	nextDisk := 0

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch msgType {
		case migration.MsgMemoryFull:
			logrus.WithField("mib", len(payload)>>20).Info("migration: receiving full memory")

			if err := m.RestoreMemory(bytes.NewReader(payload)); err != nil {
				return fmt.Errorf("restore memory: %w", err)
			}

		case migration.MsgMemoryDirty:
			bitmapBytes, pageData, err := migration.DecodeDirtyPayload(payload)
			if err != nil {
				return err
			}

			if err := m.ApplyDirtyPages(bitmapBytes, pageData); err != nil {
				return fmt.Errorf("apply dirty pages: %w", err)
			}

		case migration.MsgDiskFull:
			if nextDisk >= len(diskPaths) {
				return errTooManyDisks
			}

			path := diskPaths[nextDisk]
			nextDisk++

			logrus.WithFields(logrus.Fields{
				"path": path, "mib": len(payload) >> 20,
			}).Info("migration: receiving disk image")

			if err := os.WriteFile(path, payload, 0o600); err != nil {
				return fmt.Errorf("write disk %s: %w", path, err)
			}

		case migration.MsgSnapshot:
			if snap, err = migration.DecodeSnapshot(payload); err != nil {
				return err
			}

		case migration.MsgDone:
			if snap == nil {
				return errDoneBeforeSnapshot
			}

			if err := m.applySnapshot(snap); err != nil {
				return err
			}

			if err := sender.SendReady(); err != nil {
				return err
			}

			logrus.Info("migration: state restored")

			return nil

		default:
			return fmt.Errorf("%w: %v", errUnexpectedMessage, msgType)
		}
	}
}

func (m *Machine) buildSnapshot() (*migration.Snapshot, error) {
	snap := &migration.Snapshot{
		VCPUs:   len(m.vcpuFds),
		MemSize: len(m.mem),
	}

	snap.CPUs = make([]migration.VCPUState, len(m.vcpuFds))

	for i := range m.vcpuFds {
		s, err := m.SaveCPUState(i)
		if err != nil {
			return nil, fmt.Errorf("save cpu%d: %w", i, err)
		}

		snap.CPUs[i] = *s
	}

	vm, err := m.SaveVMState()
	if err != nil {
		return nil, err
	}

	snap.VM = *vm

	ds, err := m.SaveDeviceState()
	if err != nil {
		return nil, err
	}

	snap.Devices = *ds

	return snap, nil
}

func (m *Machine) applySnapshot(snap *migration.Snapshot) error {
	if snap.VCPUs != len(m.vcpuFds) || snap.MemSize != len(m.mem) {
		return fmt.Errorf("%w: snapshot %d cpus %d bytes, machine %d cpus %d bytes",
			errSnapshotShapeMismatch, snap.VCPUs, snap.MemSize, len(m.vcpuFds), len(m.mem))
	}

	// Memory is already in place, so devices can find their rings, then
	// VM-level chips, then the vCPUs on top.
	if err := m.RestoreDeviceState(&snap.Devices); err != nil {
		return err
	}

	if err := m.RestoreVMState(&snap.VM); err != nil {
		return err
	}

	for i := range snap.CPUs {
		if err := m.RestoreCPUState(i, &snap.CPUs[i]); err != nil {
			return err
		}
	}

	return nil
}

// collectDirtyPages encodes bitmap as little-endian words and packs
// the marked pages, the send-side counterpart of ApplyDirtyPages.
func (m *Machine) collectDirtyPages(bitmap []uint64) (bitmapBytes, pageData []byte, err error) {
	bitmapBytes = make([]byte, len(bitmap)*8)
	for i, w := range bitmap {
		binary.LittleEndian.PutUint64(bitmapBytes[i*8:], w)
	}

	var buf bytes.Buffer

	if _, err := m.TransferDirtyPages(&buf, bitmap); err != nil {
		return nil, nil, err
	}

	return bitmapBytes, buf.Bytes(), nil
}
