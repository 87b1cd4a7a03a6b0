package fuse

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/capsa-vm/capsa/config"
)

const (
	maxWrite = 1 << 20

	attrValidSec = 1
)

type hostID struct {
	dev uint64
	ino uint64
}

// node is one live inode. Guests address files by node id; the cache
// keys nodes by host (dev, inode) so hard links and re-lookups resolve
// to the same id.
type node struct {
	id      uint64
	path    string
	host    hostID
	nlookup uint64
}

// Server executes FUSE requests against one shared host directory.
type Server struct {
	root     string
	readOnly bool
	idmap    config.IDMapping

	mu         sync.Mutex
	nodes      map[uint64]*node
	byHost     map[hostID]uint64
	nextNodeID uint64

	handles    map[uint64]*os.File
	nextHandle uint64
}

func NewServer(root string, readOnly bool, idmap config.IDMapping) *Server {
	s := &Server{
		root:       root,
		readOnly:   readOnly,
		idmap:      idmap,
		nodes:      make(map[uint64]*node),
		byHost:     make(map[hostID]uint64),
		nextNodeID: RootID + 1,
		handles:    make(map[uint64]*os.File),
		nextHandle: 1,
	}

	s.nodes[RootID] = &node{id: RootID, path: root, nlookup: 1}

	return s
}

// Handle executes one request and returns the serialized reply, or nil
// for fire-and-forget opcodes.
func (s *Server) Handle(req []byte) []byte {
	var hdr InHeader
	if _, ok := Unmarshal(req, &hdr); !ok {
		return nil
	}

	body := req[InHeaderSize:]

	var (
		payload []byte
		errno   syscall.Errno
	)

	switch hdr.Opcode {
	case OpInit:
		payload, errno = s.init(body)
	case OpDestroy:
		return Marshal(OutHeader{Len: OutHeaderSize, Unique: hdr.Unique})
	case OpLookup:
		payload, errno = s.lookup(&hdr, body)
	case OpForget:
		s.forget(hdr.NodeID, body)

		return nil
	case OpGetattr:
		payload, errno = s.getattr(&hdr)
	case OpSetattr:
		payload, errno = s.setattr(&hdr, body)
	case OpReadlink:
		payload, errno = s.readlink(&hdr)
	case OpSymlink:
		payload, errno = s.symlink(&hdr, body)
	case OpMkdir:
		payload, errno = s.mkdir(&hdr, body)
	case OpUnlink:
		errno = s.removeEntry(&hdr, body, false)
	case OpRmdir:
		errno = s.removeEntry(&hdr, body, true)
	case OpRename:
		payload, errno = s.rename(&hdr, body, false)
	case OpRename2:
		payload, errno = s.rename(&hdr, body, true)
	case OpOpen, OpOpendir:
		payload, errno = s.open(&hdr, body)
	case OpRead:
		payload, errno = s.read(body)
	case OpWrite:
		payload, errno = s.write(body)
	case OpRelease, OpReleasedir:
		errno = s.release(body)
	case OpFlush:
		errno = 0
	case OpFsync, OpFsyncdir:
		errno = s.fsync(body)
	case OpReaddir:
		payload, errno = s.readdir(&hdr, body, false)
	case OpReaddirplus:
		payload, errno = s.readdir(&hdr, body, true)
	case OpStatfs:
		payload, errno = s.statfs(&hdr)
	case OpAccess:
		errno = 0
	case OpCreate:
		payload, errno = s.create(&hdr, body)
	case OpMknod:
		payload, errno = s.mknod(&hdr, body)
	default:
		logrus.Debugf("fuse: unsupported opcode %d", hdr.Opcode)
		errno = unix.ENOSYS
	}

	out := OutHeader{
		Len:    uint32(OutHeaderSize + len(payload)),
		Unique: hdr.Unique,
	}
	if errno != 0 {
		out.Error = -int32(errno)
		out.Len = OutHeaderSize
		payload = nil
	}

	return append(Marshal(out), payload...)
}

func toErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	if errors.Is(err, os.ErrNotExist) {
		return unix.ENOENT
	}

	if errors.Is(err, os.ErrPermission) {
		return unix.EACCES
	}

	return unix.EIO
}

func (s *Server) nodePath(id uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}

	return n.path, true
}

// register returns the node id for path, creating or refreshing the
// cache entry keyed by the host identity.
func (s *Server) register(path string, st *unix.Stat_t) uint64 {
	host := hostID{dev: uint64(st.Dev), ino: st.Ino}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHost[host]; ok {
		n := s.nodes[id]
		n.path = path // path may have changed under rename
		n.nlookup++

		return id
	}

	id := s.nextNodeID
	s.nextNodeID++

	s.nodes[id] = &node{id: id, path: path, host: host, nlookup: 1}
	s.byHost[host] = id

	return id
}

func (s *Server) forget(id uint64, body []byte) {
	var in ForgetIn
	if _, ok := Unmarshal(body, &in); !ok {
		return
	}

	if id == RootID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return
	}

	if n.nlookup <= in.Nlookup {
		delete(s.nodes, id)
		delete(s.byHost, n.host)
	} else {
		n.nlookup -= in.Nlookup
	}
}

func (s *Server) mapUID(host, caller uint32) uint32 {
	switch s.idmap.UIDMode {
	case config.IDPassthrough:
		return host
	case config.IDDynamicCaller:
		return caller
	default:
		return s.idmap.UID
	}
}

func (s *Server) mapGID(host, caller uint32) uint32 {
	switch s.idmap.GIDMode {
	case config.IDPassthrough:
		return host
	case config.IDDynamicCaller:
		return caller
	default:
		return s.idmap.GID
	}
}

func (s *Server) attrFromStat(st *unix.Stat_t, hdr *InHeader) Attr {
	return Attr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     uint64(st.Atim.Sec),
		Mtime:     uint64(st.Mtim.Sec),
		Ctime:     uint64(st.Ctim.Sec),
		AtimeNsec: uint32(st.Atim.Nsec),
		MtimeNsec: uint32(st.Mtim.Nsec),
		CtimeNsec: uint32(st.Ctim.Nsec),
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		UID:       s.mapUID(st.Uid, hdr.UID),
		GID:       s.mapGID(st.Gid, hdr.GID),
		Rdev:      uint32(st.Rdev),
		Blksize:   uint32(st.Blksize),
	}
}

func (s *Server) entryOut(path string, hdr *InHeader) ([]byte, syscall.Errno) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, toErrno(err)
	}

	id := s.register(path, &st)

	return Marshal(EntryOut{
		NodeID:     id,
		EntryValid: attrValidSec,
		AttrValid:  attrValidSec,
		Attr:       s.attrFromStat(&st, hdr),
	}), 0
}

func splitName(data []byte) (string, []byte) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return string(data), nil
	}

	return string(data[:i]), data[i+1:]
}

func (s *Server) childPath(parent uint64, name string) (string, syscall.Errno) {
	dir, ok := s.nodePath(parent)
	if !ok {
		return "", unix.ESTALE
	}

	if name == "" || name == "." || name == ".." ||
		filepath.Base(name) != name {
		return "", unix.EINVAL
	}

	return filepath.Join(dir, name), 0
}

func (s *Server) init(body []byte) ([]byte, syscall.Errno) {
	var in InitIn
	if _, ok := Unmarshal(body, &in); !ok {
		return nil, unix.EIO
	}

	minor := in.Minor
	if minor > KernelMinorVersion {
		minor = KernelMinorVersion
	}

	return Marshal(InitOut{
		Major:        KernelVersion,
		Minor:        minor,
		MaxReadahead: in.MaxReadahead,
		MaxWrite:     maxWrite,
		TimeGran:     1,
		MaxPages:     maxWrite / 4096,
	}), 0
}

func (s *Server) lookup(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	name, _ := splitName(body)

	path, errno := s.childPath(hdr.NodeID, name)
	if errno != 0 {
		return nil, errno
	}

	return s.entryOut(path, hdr)
}

func (s *Server) getattr(hdr *InHeader) ([]byte, syscall.Errno) {
	path, ok := s.nodePath(hdr.NodeID)
	if !ok {
		return nil, unix.ESTALE
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, toErrno(err)
	}

	return Marshal(AttrOut{
		AttrValid: attrValidSec,
		Attr:      s.attrFromStat(&st, hdr),
	}), 0
}

func (s *Server) setattr(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	var in SetattrIn
	if _, ok := Unmarshal(body, &in); !ok {
		return nil, unix.EIO
	}

	path, ok := s.nodePath(hdr.NodeID)
	if !ok {
		return nil, unix.ESTALE
	}

	if s.readOnly {
		return nil, unix.EROFS
	}

	if in.Valid&SetattrSize != 0 {
		if err := os.Truncate(path, int64(in.Size)); err != nil {
			return nil, toErrno(err)
		}
	}

	if in.Valid&SetattrMode != 0 {
		if err := unix.Chmod(path, in.Mode&0o7777); err != nil {
			return nil, toErrno(err)
		}
	}

	// chown is honored only on passthrough mounts; everywhere else the
	// observed ids are synthetic and the request succeeds unchanged.
	if in.Valid&(SetattrUID|SetattrGID) != 0 &&
		(s.idmap.UIDMode == config.IDPassthrough || s.idmap.GIDMode == config.IDPassthrough) {
		uid, gid := -1, -1
		if in.Valid&SetattrUID != 0 && s.idmap.UIDMode == config.IDPassthrough {
			uid = int(in.UID)
		}

		if in.Valid&SetattrGID != 0 && s.idmap.GIDMode == config.IDPassthrough {
			gid = int(in.GID)
		}

		if err := unix.Lchown(path, uid, gid); err != nil {
			return nil, toErrno(err)
		}
	}

	if in.Valid&(SetattrAtime|SetattrMtime) != 0 {
		ts := []unix.Timespec{
			{Sec: int64(in.Atime), Nsec: int64(in.AtimeNsec)},
			{Sec: int64(in.Mtime), Nsec: int64(in.MtimeNsec)},
		}

		if in.Valid&SetattrAtime == 0 {
			ts[0] = unix.Timespec{Nsec: unix.UTIME_OMIT}
		}

		if in.Valid&SetattrMtime == 0 {
			ts[1] = unix.Timespec{Nsec: unix.UTIME_OMIT}
		}

		if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return nil, toErrno(err)
		}
	}

	return s.getattr(hdr)
}

func (s *Server) readlink(hdr *InHeader) ([]byte, syscall.Errno) {
	path, ok := s.nodePath(hdr.NodeID)
	if !ok {
		return nil, unix.ESTALE
	}

	target, err := os.Readlink(path)
	if err != nil {
		return nil, toErrno(err)
	}

	return []byte(target), 0
}

func (s *Server) symlink(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	if s.readOnly {
		return nil, unix.EROFS
	}

	name, rest := splitName(body)
	target, _ := splitName(rest)

	path, errno := s.childPath(hdr.NodeID, name)
	if errno != 0 {
		return nil, errno
	}

	if err := os.Symlink(target, path); err != nil {
		return nil, toErrno(err)
	}

	return s.entryOut(path, hdr)
}

func (s *Server) mkdir(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	if s.readOnly {
		return nil, unix.EROFS
	}

	var in MkdirIn

	n, ok := Unmarshal(body, &in)
	if !ok {
		return nil, unix.EIO
	}

	name, _ := splitName(body[n:])

	path, errno := s.childPath(hdr.NodeID, name)
	if errno != 0 {
		return nil, errno
	}

	if err := os.Mkdir(path, os.FileMode(in.Mode&0o7777)); err != nil {
		return nil, toErrno(err)
	}

	return s.entryOut(path, hdr)
}

func (s *Server) mknod(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	if s.readOnly {
		return nil, unix.EROFS
	}

	var in MknodIn

	n, ok := Unmarshal(body, &in)
	if !ok {
		return nil, unix.EIO
	}

	if in.Mode&unix.S_IFMT != unix.S_IFREG && in.Mode&unix.S_IFMT != 0 {
		return nil, unix.EPERM
	}

	name, _ := splitName(body[n:])

	path, errno := s.childPath(hdr.NodeID, name)
	if errno != 0 {
		return nil, errno
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, os.FileMode(in.Mode&0o7777))
	if err != nil {
		return nil, toErrno(err)
	}

	f.Close()

	return s.entryOut(path, hdr)
}

func (s *Server) removeEntry(hdr *InHeader, body []byte, dir bool) syscall.Errno {
	if s.readOnly {
		return unix.EROFS
	}

	name, _ := splitName(body)

	path, errno := s.childPath(hdr.NodeID, name)
	if errno != 0 {
		return errno
	}

	var err error
	if dir {
		err = unix.Rmdir(path)
	} else {
		err = unix.Unlink(path)
	}

	if err != nil {
		return toErrno(err)
	}

	return 0
}

func (s *Server) rename(hdr *InHeader, body []byte, v2 bool) ([]byte, syscall.Errno) {
	if s.readOnly {
		return nil, unix.EROFS
	}

	var (
		newdir uint64
		n      int
		ok     bool
	)

	if v2 {
		var in Rename2In
		n, ok = Unmarshal(body, &in)
		newdir = in.Newdir
	} else {
		var in RenameIn
		n, ok = Unmarshal(body, &in)
		newdir = in.Newdir
	}

	if !ok {
		return nil, unix.EIO
	}

	oldName, rest := splitName(body[n:])
	newName, _ := splitName(rest)

	oldPath, errno := s.childPath(hdr.NodeID, oldName)
	if errno != 0 {
		return nil, errno
	}

	newPath, errno := s.childPath(newdir, newName)
	if errno != 0 {
		return nil, errno
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return nil, toErrno(err)
	}

	// Keep the cache pointing at the new location.
	var st unix.Stat_t
	if err := unix.Lstat(newPath, &st); err == nil {
		host := hostID{dev: uint64(st.Dev), ino: st.Ino}

		s.mu.Lock()
		if id, found := s.byHost[host]; found {
			s.nodes[id].path = newPath
		}
		s.mu.Unlock()
	}

	return nil, 0
}

func writeWanted(flags uint32) bool {
	return flags&unix.O_ACCMODE != unix.O_RDONLY
}

func (s *Server) open(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	var in OpenIn
	if _, ok := Unmarshal(body, &in); !ok {
		return nil, unix.EIO
	}

	path, ok := s.nodePath(hdr.NodeID)
	if !ok {
		return nil, unix.ESTALE
	}

	if s.readOnly && writeWanted(in.Flags) {
		return nil, unix.EROFS
	}

	flags := int(in.Flags) &^ (unix.O_CREAT | unix.O_EXCL | unix.O_NOCTTY)

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, toErrno(err)
	}

	s.mu.Lock()
	fh := s.nextHandle
	s.nextHandle++
	s.handles[fh] = f
	s.mu.Unlock()

	return Marshal(OpenOut{Fh: fh}), 0
}

func (s *Server) create(hdr *InHeader, body []byte) ([]byte, syscall.Errno) {
	if s.readOnly {
		return nil, unix.EROFS
	}

	var in CreateIn

	n, ok := Unmarshal(body, &in)
	if !ok {
		return nil, unix.EIO
	}

	name, _ := splitName(body[n:])

	path, errno := s.childPath(hdr.NodeID, name)
	if errno != 0 {
		return nil, errno
	}

	flags := int(in.Flags) | os.O_CREATE

	f, err := os.OpenFile(path, flags, os.FileMode(in.Mode&0o7777))
	if err != nil {
		return nil, toErrno(err)
	}

	entry, errno := s.entryOut(path, hdr)
	if errno != 0 {
		f.Close()

		return nil, errno
	}

	s.mu.Lock()
	fh := s.nextHandle
	s.nextHandle++
	s.handles[fh] = f
	s.mu.Unlock()

	return append(entry, Marshal(OpenOut{Fh: fh})...), 0
}

func (s *Server) handle(fh uint64) (*os.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.handles[fh]

	return f, ok
}

func (s *Server) read(body []byte) ([]byte, syscall.Errno) {
	var in ReadIn
	if _, ok := Unmarshal(body, &in); !ok {
		return nil, unix.EIO
	}

	f, ok := s.handle(in.Fh)
	if !ok {
		return nil, unix.EBADF
	}

	buf := make([]byte, in.Size)

	n, err := f.ReadAt(buf, int64(in.Offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, toErrno(err)
	}

	return buf[:n], 0
}

func (s *Server) write(body []byte) ([]byte, syscall.Errno) {
	if s.readOnly {
		return nil, unix.EROFS
	}

	var in WriteIn
	if _, ok := Unmarshal(body, &in); !ok {
		return nil, unix.EIO
	}

	f, ok := s.handle(in.Fh)
	if !ok {
		return nil, unix.EBADF
	}

	data := body[WriteInSize:]
	if uint32(len(data)) > in.Size {
		data = data[:in.Size]
	}

	n, err := f.WriteAt(data, int64(in.Offset))
	if err != nil {
		return nil, toErrno(err)
	}

	return Marshal(WriteOut{Size: uint32(n)}), 0
}

func (s *Server) release(body []byte) syscall.Errno {
	var in ReleaseIn
	if _, ok := Unmarshal(body, &in); !ok {
		return unix.EIO
	}

	s.mu.Lock()
	f, ok := s.handles[in.Fh]
	delete(s.handles, in.Fh)
	s.mu.Unlock()

	if ok {
		f.Close()
	}

	return 0
}

func (s *Server) fsync(body []byte) syscall.Errno {
	var in FsyncIn
	if _, ok := Unmarshal(body, &in); !ok {
		return unix.EIO
	}

	f, ok := s.handle(in.Fh)
	if !ok {
		return unix.EBADF
	}

	if err := f.Sync(); err != nil {
		return toErrno(err)
	}

	return 0
}

func (s *Server) readdir(hdr *InHeader, body []byte, plus bool) ([]byte, syscall.Errno) {
	var in ReadIn
	if _, ok := Unmarshal(body, &in); !ok {
		return nil, unix.EIO
	}

	path, ok := s.nodePath(hdr.NodeID)
	if !ok {
		return nil, unix.ESTALE
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, toErrno(err)
	}

	out := make([]byte, 0, in.Size)

	for i := int(in.Offset); i < len(entries); i++ {
		name := entries[i].Name()
		childPath := filepath.Join(path, name)

		var st unix.Stat_t
		if err := unix.Lstat(childPath, &st); err != nil {
			continue
		}

		var record []byte

		dirent := Dirent{
			Ino:     st.Ino,
			Off:     uint64(i + 1),
			Namelen: uint32(len(name)),
			Type:    (st.Mode & unix.S_IFMT) >> 12,
		}

		if plus {
			id := s.register(childPath, &st)
			record = Marshal(EntryOut{
				NodeID:     id,
				EntryValid: attrValidSec,
				AttrValid:  attrValidSec,
				Attr:       s.attrFromStat(&st, hdr),
			})
		}

		head := Marshal(dirent)
		head = append(head, name...)

		padded := DirentAlign(len(head))
		for len(head) < padded {
			head = append(head, 0)
		}

		record = append(record, head...)

		if len(out)+len(record) > int(in.Size) {
			break
		}

		out = append(out, record...)
	}

	return out, 0
}

func (s *Server) statfs(hdr *InHeader) ([]byte, syscall.Errno) {
	path, ok := s.nodePath(hdr.NodeID)
	if !ok {
		return nil, unix.ESTALE
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, toErrno(err)
	}

	return Marshal(StatfsOut{St: Kstatfs{
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Bsize:   uint32(st.Bsize),
		Namelen: uint32(st.Namelen),
		Frsize:  uint32(st.Frsize),
	}}), 0
}
