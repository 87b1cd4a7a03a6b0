// Package fuse carries the FUSE wire protocol subset spoken over
// virtio-fs, plus the host-side server that executes requests against
// a shared directory.
package fuse

import (
	"bytes"
	"encoding/binary"
)

// Protocol revision. 7.31 is what current guests negotiate down to
// without optional feature handshakes.
const (
	KernelVersion      = 7
	KernelMinorVersion = 31
)

// Opcodes.
const (
	OpLookup      = 1
	OpForget      = 2
	OpGetattr     = 3
	OpSetattr     = 4
	OpReadlink    = 5
	OpSymlink     = 6
	OpMknod       = 8
	OpMkdir       = 9
	OpUnlink      = 10
	OpRmdir       = 11
	OpRename      = 12
	OpLink        = 13
	OpOpen        = 14
	OpRead        = 15
	OpWrite       = 16
	OpStatfs      = 17
	OpRelease     = 18
	OpFsync       = 20
	OpFlush       = 25
	OpInit        = 26
	OpOpendir     = 27
	OpReaddir     = 28
	OpReleasedir  = 29
	OpFsyncdir    = 30
	OpAccess      = 34
	OpCreate      = 35
	OpDestroy     = 38
	OpBatchForget = 42
	OpReaddirplus = 44
	OpRename2     = 45
)

// RootID is the node id of the share root.
const RootID = 1

// InHeader precedes every request.
type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

const InHeaderSize = 40

// OutHeader precedes every reply. Error is a negative errno or zero.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const OutHeaderSize = 16

// Attr mirrors fuse_attr.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

// EntryOut answers LOOKUP, MKDIR, SYMLINK and the entry half of CREATE.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

// AttrOut answers GETATTR and SETATTR.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	Padding             uint16
	Unused              [8]uint32
}

type OpenIn struct {
	Flags  uint32
	Unused uint32
}

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

const WriteInSize = 40

type WriteOut struct {
	Size    uint32
	Padding uint32
}

type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

type MknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
}

type RenameIn struct {
	Newdir uint64
}

type Rename2In struct {
	Newdir  uint64
	Flags   uint32
	Padding uint32
}

type CreateIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
}

type AccessIn struct {
	Mask    uint32
	Padding uint32
}

type ForgetIn struct {
	Nlookup uint64
}

// SetattrIn valid bits.
const (
	SetattrMode  = 1 << 0
	SetattrUID   = 1 << 1
	SetattrGID   = 1 << 2
	SetattrSize  = 1 << 3
	SetattrAtime = 1 << 4
	SetattrMtime = 1 << 5
	SetattrFh    = 1 << 6
)

type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

type Kstatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type StatfsOut struct {
	St Kstatfs
}

// Dirent is the fixed head of one readdir record. The name follows,
// padded to 8 bytes.
type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

const DirentSize = 24

// Marshal packs v little-endian.
func Marshal(vs ...interface{}) []byte {
	buf := new(bytes.Buffer)
	for _, v := range vs {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}

	return buf.Bytes()
}

// Unmarshal unpacks data into v and returns the number of bytes
// consumed, or false when data is short.
func Unmarshal(data []byte, v interface{}) (int, bool) {
	size := binary.Size(v)
	if size < 0 || len(data) < size {
		return 0, false
	}

	reader := bytes.NewReader(data[:size])
	if err := binary.Read(reader, binary.LittleEndian, v); err != nil {
		return 0, false
	}

	return size, true
}

// DirentAlign pads a dirent record length to its 8-byte boundary.
func DirentAlign(n int) int {
	return (n + 7) &^ 7
}
