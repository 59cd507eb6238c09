package fuseadapter

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/dannysu/asymmetricfs/internal/mount"
)

// toErrno maps a façade or host error to the syscall.Errno the kernel
// expects back from a node or file-handle callback. This is the single
// point where every error boundary in the adapter funnels through, so
// a new façade sentinel only needs a case added here rather than at
// every call site.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, mount.ErrBadHandle):
		return syscall.EBADF
	case errors.Is(err, mount.ErrUnsupported):
		return syscall.EPERM
	case errors.Is(err, mount.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, mount.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, mount.ErrCipherFailed):
		return syscall.EIO
	case errors.Is(err, mount.ErrRecipientsImmutable):
		return syscall.EBUSY
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	default:
		return syscall.EIO
	}
}
