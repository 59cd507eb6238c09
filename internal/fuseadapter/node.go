// Package fuseadapter translates github.com/hanwen/go-fuse/v2's
// node and file-handle callbacks into calls against a
// github.com/dannysu/asymmetricfs/internal/mount.Mount façade. Every
// node computes its own logical path on demand rather than caching a
// parent pointer chain, since the façade itself is already keyed by
// logical path and is the single source of truth for what is open.
package fuseadapter

import (
	"context"
	"os"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/dannysu/asymmetricfs/internal/mount"
)

// node is the InodeEmbedder for every entry in the mounted tree,
// regular files, directories, and symlinks alike. The one type carries
// both the handle-bearing interfaces (NodeCreater, NodeOpener) and the
// passthrough methods, whatever the entry's file type.
type node struct {
	fs.Inode
	m       *mount.Mount
	logical string
}

var (
	_ fs.InodeEmbedder     = (*node)(nil)
	_ fs.NodeLookuper      = (*node)(nil)
	_ fs.NodeReaddirer     = (*node)(nil)
	_ fs.NodeGetattrer     = (*node)(nil)
	_ fs.NodeSetattrer     = (*node)(nil)
	_ fs.NodeCreater       = (*node)(nil)
	_ fs.NodeOpener        = (*node)(nil)
	_ fs.NodeUnlinker      = (*node)(nil)
	_ fs.NodeMkdirer       = (*node)(nil)
	_ fs.NodeRmdirer       = (*node)(nil)
	_ fs.NodeRenamer       = (*node)(nil)
	_ fs.NodeSymlinker     = (*node)(nil)
	_ fs.NodeReadlinker    = (*node)(nil)
	_ fs.NodeLinker        = (*node)(nil)
	_ fs.NodeAccesser      = (*node)(nil)
	_ fs.NodeStatfser      = (*node)(nil)
	_ fs.NodeGetxattrer    = (*node)(nil)
	_ fs.NodeSetxattrer    = (*node)(nil)
	_ fs.NodeListxattrer   = (*node)(nil)
	_ fs.NodeRemovexattrer = (*node)(nil)
)

func join(parent, name string) string {
	return path.Join(parent, name)
}

// child wraps a newly-discovered logical path's attributes into a
// go-fuse inode of the appropriate type, filling out for a Lookup,
// Create, Mkdir, or Symlink reply.
func (n *node) child(ctx context.Context, logical string, attr mount.Attr, hostIno uint64) *fs.Inode {
	child := &node{m: n.m, logical: logical}
	stable := fs.StableAttr{Mode: attr.Mode & syscall.S_IFMT, Ino: hostIno}
	return n.NewInode(ctx, child, stable)
}

func fillAttrOut(attr mount.Attr, out *fuse.Attr) {
	out.Mode = attr.Mode
	out.Size = uint64(attr.Size)
	out.Blocks = (out.Size + 511) / 512
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := join(n.logical, name)

	info, err := os.Lstat(n.m.BackingPath(logical))
	if err != nil {
		return nil, toErrno(err)
	}

	attr, err := n.m.Getattr(logical, 0, false)
	if err != nil {
		return nil, toErrno(err)
	}

	fillAttrOut(attr, &out.Attr)
	return n.child(ctx, logical, attr, hostIno(info)), 0
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := f.(*handle); ok {
		attr, err := n.m.Getattr(n.logical, h.id, true)
		if err != nil {
			return toErrno(err)
		}
		fillAttrOut(attr, &out.Attr)
		return 0
	}

	attr, err := n.m.Getattr(n.logical, 0, false)
	if err != nil {
		return toErrno(err)
	}
	fillAttrOut(attr, &out.Attr)
	return 0
}

// Setattr only handles truncation through the façade; ownership and
// permission bits and timestamps are passed straight through to the
// backing file, since the façade has no opinion about them.
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	backing := n.m.BackingPath(n.logical)

	if size, ok := in.GetSize(); ok {
		var err error
		if h, ok := f.(*handle); ok {
			err = n.m.Ftruncate(ctx, h.id, int64(size))
		} else {
			err = n.m.Truncate(ctx, n.logical, int64(size))
		}
		if err != nil {
			return toErrno(err)
		}
	}

	if mode, ok := in.GetMode(); ok {
		if err := os.Chmod(backing, os.FileMode(mode&0o7777)); err != nil {
			return toErrno(err)
		}
	}

	if uid, uok := in.GetUID(); uok {
		gid, gok := in.GetGID()
		if !gok {
			gid = ^uint32(0)
		}
		if err := os.Lchown(backing, int(uid), int(gid)); err != nil {
			return toErrno(err)
		}
	} else if gid, gok := in.GetGID(); gok {
		if err := os.Lchown(backing, -1, int(gid)); err != nil {
			return toErrno(err)
		}
	}

	if mtime, mok := in.GetMTime(); mok {
		atime, aok := in.GetATime()
		if !aok {
			atime = mtime
		}
		times := []unix.Timespec{
			unix.NsecToTimespec(atime.UnixNano()),
			unix.NsecToTimespec(mtime.UnixNano()),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, backing, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return toErrno(err)
		}
	}

	return n.Getattr(ctx, f, out)
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.m.BackingPath(n.logical))
	if err != nil {
		return nil, toErrno(err)
	}

	result := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		var mode uint32
		switch {
		case entry.Type().IsRegular():
			mode = syscall.S_IFREG
		case entry.IsDir():
			mode = syscall.S_IFDIR
		case entry.Type()&os.ModeSymlink != 0:
			mode = syscall.S_IFLNK
		case entry.Type() == 0:
			mode = syscall.S_IFREG
		default:
			// Device nodes, FIFOs, and sockets are not part of
			// the logical tree this filesystem presents.
			continue
		}
		result = append(result, fuse.DirEntry{Name: entry.Name(), Mode: mode})
	}

	return fs.NewListDirStream(result), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	logical := join(n.logical, name)

	id, err := n.m.Create(logical, int(flags), os.FileMode(mode&0o7777))
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	attr, err := n.m.Getattr(logical, id, true)
	if err != nil {
		n.m.Release(ctx, id)
		return nil, nil, 0, toErrno(err)
	}

	fillAttrOut(attr, &out.Attr)
	info, statErr := os.Lstat(n.m.BackingPath(logical))
	var ino uint64
	if statErr == nil {
		ino = hostIno(info)
	}
	return n.child(ctx, logical, attr, ino), &handle{m: n.m, id: id}, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	id, err := n.m.Open(n.logical, int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &handle{m: n.m, id: id}, 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if err := os.Remove(n.m.BackingPath(join(n.logical, name))); err != nil {
		return toErrno(err)
	}
	return 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := join(n.logical, name)
	backing := n.m.BackingPath(logical)

	if err := os.Mkdir(backing, os.FileMode(mode&0o7777)); err != nil {
		return nil, toErrno(err)
	}

	attr, err := n.m.Getattr(logical, 0, false)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttrOut(attr, &out.Attr)

	info, err := os.Lstat(backing)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, logical, attr, hostIno(info)), 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if err := os.Remove(n.m.BackingPath(join(n.logical, name))); err != nil {
		return toErrno(err)
	}
	return 0
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	destNode, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}

	oldLogical := join(n.logical, name)
	newLogical := join(destNode.logical, newName)

	if err := n.m.Rename(oldLogical, newLogical); err != nil {
		return toErrno(err)
	}
	return 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logical := join(n.logical, name)
	backing := n.m.BackingPath(logical)

	if err := os.Symlink(target, backing); err != nil {
		return nil, toErrno(err)
	}

	attr, err := n.m.Getattr(logical, 0, false)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttrOut(attr, &out.Attr)

	info, err := os.Lstat(backing)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.child(ctx, logical, attr, hostIno(info)), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := os.Readlink(n.m.BackingPath(n.logical))
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// Link always fails: the façade refuses hard links unconditionally
// (they would alias two logical paths to one ciphertext).
func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, toErrno(n.m.Link(n.logical, join(n.logical, name)))
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	hostErr := unix.Access(n.m.BackingPath(n.logical), mask)
	requestRead := mask&unix.R_OK != 0
	return toErrno(n.m.Access(requestRead, hostErr))
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st unix.Statfs_t
	if err := unix.Statfs(n.m.BackingPath("/"), &st); err != nil {
		return toErrno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	size, err := unix.Lgetxattr(n.m.BackingPath(n.logical), attr, dest)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(size), 0
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if err := unix.Lsetxattr(n.m.BackingPath(n.logical), attr, data, int(flags)); err != nil {
		return toErrno(err)
	}
	return 0
}

// Listxattr preserves a quirk in the original: the underlying syscall
// returns the attribute list's byte count on success, but the original
// only ever treated a literal zero return as success, silently turning
// any non-empty attribute list into an error reply instead of
// returning it. Kept rather than fixed — see DESIGN.md.
func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	size, err := unix.Llistxattr(n.m.BackingPath(n.logical), dest)
	if err != nil {
		return 0, toErrno(err)
	}
	if size != 0 {
		return 0, syscall.EIO
	}
	return 0, 0
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	if err := unix.Lremovexattr(n.m.BackingPath(n.logical), attr); err != nil {
		return toErrno(err)
	}
	return 0
}

func hostIno(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
