// Package mount implements the encrypting overlay filesystem's core
// engine: the handle table and open-file state machine described
// against a plain path/flags/offset calling convention, independent of
// any particular kernel filesystem binding. The github.com/dannysu/asymmetricfs/internal/fuseadapter
// package is the thin translation layer from go-fuse's callbacks to this
// package's methods.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dannysu/asymmetricfs/internal/cipher"
	"github.com/dannysu/asymmetricfs/internal/recipient"
)

// Attr is the subset of file metadata operations in this package report,
// independent of any particular FUSE binding's attribute struct.
type Attr struct {
	Mode  uint32
	Size  int64
	IsDir bool
}

// Options configures a Mount at construction. Recipients can later be
// replaced with SetRecipients while no file is open; the other fields
// are fixed once NewMount has returned.
type Options struct {
	// BackingRoot is the host directory every logical path resolves
	// beneath.
	BackingRoot string

	// ReadEnabled is true iff the secret key is available and
	// decryption may be attempted.
	ReadEnabled bool

	// Recipients is the non-empty ordered set of recipients encrypted
	// writes are addressed to.
	Recipients []recipient.ID

	// Cipher drives the gpg binary.
	Cipher cipher.Tool

	// Logger receives diagnostics, in particular flush errors that
	// occur during release and cannot be surfaced to the kernel.
	Logger *slog.Logger
}

// Mount is the process-wide façade: the handle table plus the lock that
// serializes every callback touching it, per §5.
type Mount struct {
	backingRoot string
	readEnabled bool
	recipients  []recipient.ID
	cipher      cipher.Tool
	logger      *slog.Logger

	mu     sync.Mutex
	byID   map[uint64]*fileState
	byPath map[string]*fileState
	nextID uint64
}

// NewMount validates opts and constructs a Mount ready to serve
// callbacks.
func NewMount(opts Options) (*Mount, error) {
	if len(opts.Recipients) == 0 {
		return nil, fmt.Errorf("mount: at least one recipient is required")
	}
	info, err := os.Stat(opts.BackingRoot)
	if err != nil {
		return nil, fmt.Errorf("mount: backing root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mount: backing root %s is not a directory", opts.BackingRoot)
	}
	root, err := filepath.Abs(opts.BackingRoot)
	if err != nil {
		return nil, fmt.Errorf("mount: resolving backing root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	return &Mount{
		backingRoot: root,
		readEnabled: opts.ReadEnabled,
		recipients:  append([]recipient.ID{}, opts.Recipients...),
		cipher:      opts.Cipher,
		logger:      logger,
		byID:        make(map[uint64]*fileState),
		byPath:      make(map[string]*fileState),
	}, nil
}

// ReadEnabled reports whether decryption is permitted on this mount.
func (m *Mount) ReadEnabled() bool {
	return m.readEnabled
}

// SetRecipients replaces the set of recipients future encryptions are
// addressed to. It fails with ErrInvalid for an empty list and with
// ErrRecipientsImmutable while any file is open; open files are
// encrypted to the mount's current list when their last handle is
// released.
func (m *Mount) SetRecipients(recipients []recipient.ID) error {
	if len(recipients) == 0 {
		return ErrInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byID) != 0 {
		return ErrRecipientsImmutable
	}

	m.recipients = append([]recipient.ID{}, recipients...)
	return nil
}

func (m *Mount) path(logical string) string {
	return backingPath(m.backingRoot, logical)
}

// openBacking opens the backing file, applying the read_enabled
// O_WRONLY→O_RDWR upgrade and retrying once without it on EACCES, per
// §4.4's "same upgrade/retry rule" shared by create and open.
func (m *Mount) openBacking(path string, flags int, mode os.FileMode) (*os.File, error) {
	requestedWriteOnly := flags&syscall.O_ACCMODE == syscall.O_WRONLY

	effective := flags
	if m.readEnabled {
		effective = (flags &^ syscall.O_WRONLY) | syscall.O_RDWR
	}

	f, err := os.OpenFile(path, effective, mode)
	if err != nil && m.readEnabled && requestedWriteOnly && errors.Is(err, fs.ErrPermission) {
		f, err = os.OpenFile(path, flags, mode)
	}
	return f, err
}

func (m *Mount) allocID() uint64 {
	id := m.nextID
	m.nextID++
	return id
}

// Create implements §4.4's create callback.
func (m *Mount) Create(logical string, flags int, mode os.FileMode) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	flags |= syscall.O_CREAT

	f, err := m.openBacking(m.path(logical), flags, mode)
	if err != nil {
		return 0, err
	}

	state := &fileState{
		id:        m.allocID(),
		backing:   f,
		flags:     flags,
		path:      logical,
		refcount:  1,
		buffer:    []byte{},
		bufferSet: true,
		dirty:     false,
	}
	m.byID[state.id] = state
	m.byPath[logical] = state

	return state.id, nil
}

// Open implements §4.4's open callback.
func (m *Mount) Open(logical string, flags int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPath[logical]; ok {
		existing.refcount++
		return existing.id, nil
	}

	accessMode := flags & syscall.O_ACCMODE
	forReading := accessMode == syscall.O_RDWR || accessMode == syscall.O_RDONLY
	if !m.readEnabled && forReading {
		// Without O_CREAT only a pre-existing file can be opened, and
		// its contents cannot be decrypted in write-only mode.
		if flags&syscall.O_CREAT == 0 {
			return 0, ErrPermission
		}
		flags |= syscall.O_EXCL
	}

	f, err := m.openBacking(m.path(logical), flags, 0)
	if err != nil {
		return 0, err
	}

	empty, err := isEmptyBackingSize(f)
	if err != nil {
		f.Close()
		return 0, err
	}

	state := &fileState{
		id:        m.allocID(),
		backing:   f,
		flags:     flags,
		path:      logical,
		refcount:  1,
		bufferSet: empty,
	}
	if empty {
		state.buffer = []byte{}
	}
	m.byID[state.id] = state
	m.byPath[logical] = state

	return state.id, nil
}

// Read implements §4.4's read callback.
func (m *Mount) Read(ctx context.Context, handle uint64, offset int64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 {
		return nil, ErrInvalid
	}

	state, ok := m.byID[handle]
	if !ok {
		return nil, ErrBadHandle
	}

	if !m.readEnabled {
		if !state.bufferSet {
			return nil, ErrPermission
		}
	} else if err := state.loadBuffer(ctx, m.cipher); err != nil {
		return nil, err
	}

	if offset >= int64(len(state.buffer)) {
		return []byte{}, nil
	}

	end := offset + int64(size)
	if end > int64(len(state.buffer)) {
		end = int64(len(state.buffer))
	}
	result := make([]byte, end-offset)
	copy(result, state.buffer[offset:end])
	return result, nil
}

// Write implements §4.4's write callback.
func (m *Mount) Write(ctx context.Context, handle uint64, data []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 {
		return 0, ErrInvalid
	}
	if len(data) == 0 {
		return 0, nil
	}

	state, ok := m.byID[handle]
	if !ok {
		return 0, ErrBadHandle
	}

	// A caller-visible O_APPEND fd always writes at the current logical
	// end of the file, never at a caller-supplied offset: a real mount
	// enforces this by having the kernel re-derive the offset from a
	// getattr taken just before the write, and fgetattr only has the
	// true plaintext length on hand once the buffer is loaded. Loading
	// it here makes the facade correct on its own, independent of
	// whether a getattr happened to run first.
	if state.flags&syscall.O_APPEND != 0 {
		if m.readEnabled {
			if err := state.loadBuffer(ctx, m.cipher); err != nil {
				return 0, err
			}
		}
		offset = int64(len(state.buffer))
	}

	need := offset + int64(len(data))
	if need > int64(len(state.buffer)) {
		grown := make([]byte, need)
		copy(grown, state.buffer)
		state.buffer = grown
	}
	copy(state.buffer[offset:], data)
	state.dirty = true

	return len(data), nil
}

// Truncate implements §4.4's path-form truncate callback: when the path
// is already open, truncation runs against the live state; otherwise (for
// offset>0, read-enabled only) a transient state is opened, truncated,
// flushed, and closed as one unit.
func (m *Mount) Truncate(ctx context.Context, logical string, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 {
		return ErrInvalid
	}

	if state, ok := m.byPath[logical]; ok {
		return state.truncateTo(ctx, m.cipher, m.readEnabled, offset)
	}

	if offset == 0 {
		return os.Truncate(m.path(logical), 0)
	}

	if !m.readEnabled {
		return ErrPermission
	}

	f, err := os.OpenFile(m.path(logical), syscall.O_RDWR, 0)
	if err != nil {
		return err
	}
	transient := &fileState{backing: f, path: logical}
	if err := transient.truncateTo(ctx, m.cipher, m.readEnabled, offset); err != nil {
		f.Close()
		return err
	}
	transient.dirty = true
	closeErr := transient.close(ctx, m.cipher, m.recipients)
	return closeErr
}

// Ftruncate implements §4.4's ftruncate callback against an already-open
// handle.
func (m *Mount) Ftruncate(ctx context.Context, handle uint64, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.byID[handle]
	if !ok {
		return ErrBadHandle
	}
	return state.truncateTo(ctx, m.cipher, m.readEnabled, offset)
}

// Release implements §4.4's release callback. Flush errors are logged,
// never returned, per the kernel contract that release's result is
// ignored.
func (m *Mount) Release(ctx context.Context, handle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.byID[handle]
	if !ok {
		return
	}

	state.refcount--
	if state.refcount > 0 {
		return
	}

	delete(m.byID, handle)
	delete(m.byPath, state.path)

	if err := state.close(ctx, m.cipher, m.recipients); err != nil {
		m.logger.Error("flush on release failed", "path", state.path, "error", err)
	}
}

// Rename implements §4.4's rename callback.
func (m *Mount) Rename(oldLogical, newLogical string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Rename(m.path(oldLogical), m.path(newLogical)); err != nil {
		return err
	}

	if state, ok := m.byPath[oldLogical]; ok {
		delete(m.byPath, oldLogical)
		state.path = newLogical
		m.byPath[newLogical] = state
	}

	return nil
}

// Getattr implements §4.4's getattr/fgetattr callbacks. handle is the
// handle id if the caller has one open (fgetattr), or 0 with byPath
// lookup by logical path otherwise (getattr given only a path).
func (m *Mount) Getattr(logical string, handle uint64, hasHandle bool) (Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state *fileState
	if hasHandle {
		state = m.byID[handle]
	} else {
		state = m.byPath[logical]
	}

	if state != nil {
		info, err := state.backing.Stat()
		if err != nil {
			return Attr{}, err
		}
		size := info.Size()
		if state.bufferSet {
			size = int64(len(state.buffer))
		} else if state.flags&syscall.O_APPEND != 0 {
			size = info.Size() + int64(len(state.buffer))
		}
		return Attr{Mode: uint32(info.Mode().Perm()) | modeTypeBits(info), Size: size, IsDir: info.IsDir()}, nil
	}

	info, err := os.Lstat(m.path(logical))
	if err != nil {
		return Attr{}, err
	}
	mode := uint32(info.Mode().Perm()) | modeTypeBits(info)
	if !m.readEnabled && !info.IsDir() {
		mode &^= syscall.S_IRUSR | syscall.S_IRGRP | syscall.S_IROTH
	}
	return Attr{Mode: mode, Size: info.Size(), IsDir: info.IsDir()}, nil
}

func modeTypeBits(info os.FileInfo) uint32 {
	switch {
	case info.IsDir():
		return syscall.S_IFDIR
	case info.Mode()&os.ModeSymlink != 0:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// Link always fails: hard links would alias two logical paths to one
// ciphertext, which this filesystem's encrypt-on-close model cannot
// support.
func (m *Mount) Link(string, string) error {
	return ErrUnsupported
}

// Access implements §4.4's access callback. hostErr is the error (if
// any) the host filesystem's own access check produced; Access only
// adds the read_enabled restriction on top of it.
func (m *Mount) Access(requestRead bool, hostErr error) error {
	if requestRead && !m.readEnabled {
		return ErrPermission
	}
	return hostErr
}

// BackingPath exposes the translated host path for a logical path, for
// passthrough operations implemented directly by the FUSE adapter
// (chmod, chown, mkdir, rmdir, unlink, symlink, readlink, statfs,
// xattrs, utimens) that need no handle-table interaction and therefore
// need not take the façade's lock.
func (m *Mount) BackingPath(logical string) string {
	return m.path(logical)
}
