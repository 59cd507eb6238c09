package mount

import "errors"

// Sentinel errors returned by façade operations. Callers at the FUSE
// adapter boundary map these to syscall.Errno (internal/fuseadapter's
// toErrno); host errors keep their own errno, and any error it does not
// recognize is mapped to EIO.
var (
	// ErrBadHandle is returned when a handle id does not name any open
	// file state.
	ErrBadHandle = errors.New("mount: unknown file handle")

	// ErrUnsupported is returned by operations the façade refuses
	// unconditionally, such as hard links.
	ErrUnsupported = errors.New("mount: operation not supported")

	// ErrPermission is returned when the write-only mode restriction
	// blocks an otherwise valid request.
	ErrPermission = errors.New("mount: permission denied")

	// ErrInvalid is returned for malformed arguments (negative
	// offsets, an empty recipient list).
	ErrInvalid = errors.New("mount: invalid argument")

	// ErrCipherFailed is returned when the cipher tool could not be
	// driven to completion or exited nonzero.
	ErrCipherFailed = errors.New("mount: cipher tool failed")

	// ErrRecipientsImmutable is returned when a caller attempts to
	// reconfigure recipients while any file is open.
	ErrRecipientsImmutable = errors.New("mount: recipients cannot change while files are open")
)
