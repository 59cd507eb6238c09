package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dannysu/asymmetricfs/internal/mount"
)

// handle is the FileHandle returned by node.Create/node.Open: a thin
// wrapper around the façade's own handle id. It carries no state of
// its own — the fileState the id names lives entirely inside the
// façade, guarded by the façade's lock.
type handle struct {
	m  *mount.Mount
	id uint64
}

var (
	_ fs.FileHandle   = (*handle)(nil)
	_ fs.FileReader   = (*handle)(nil)
	_ fs.FileWriter   = (*handle)(nil)
	_ fs.FileReleaser = (*handle)(nil)
)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := h.m.Read(ctx, h.id, off, len(dest))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.m.Write(ctx, h.id, data, off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

// Release corresponds to the kernel's release callback: its return
// value is ignored by the kernel, so a flush failure can only be
// logged, never surfaced. The façade does that logging itself.
func (h *handle) Release(ctx context.Context) syscall.Errno {
	h.m.Release(ctx, h.id)
	return 0
}
