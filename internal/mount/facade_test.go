package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/dannysu/asymmetricfs/internal/cipher"
	"github.com/dannysu/asymmetricfs/internal/recipient"
)

// writeStubCipher materializes a small shell script standing in for
// gpg: decrypt strips the trailing terminator bytes, encrypt appends
// them. This lets the state machine (buffering, block splitting,
// concatenation, flush-on-release) be exercised deterministically
// without depending on a real keyring being available on the test host.
func writeStubCipher(t *testing.T) cipher.Tool {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakegpg.sh")

	script := `#!/bin/sh
set -e
case "$1" in
  -d)
    tmp=$(mktemp)
    cat > "$tmp"
    size=$(wc -c < "$tmp")
    termlen=26
    if [ "$size" -ge "$termlen" ]; then
      head -c $((size-termlen)) "$tmp"
    fi
    rm -f "$tmp"
    ;;
  -ae)
    cat
    printf -- '-----END PGP MESSAGE-----\n'
    ;;
  *)
    exit 1
    ;;
esac
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub cipher: %v", err)
	}
	return cipher.Tool{BinaryPath: path}
}

func newTestMount(t *testing.T, readEnabled bool) *Mount {
	t.Helper()
	backing := t.TempDir()
	rcpt, err := recipient.Parse("test@example.com")
	if err != nil {
		t.Fatalf("recipient.Parse: %v", err)
	}

	m, err := NewMount(Options{
		BackingRoot: backing,
		ReadEnabled: readEnabled,
		Recipients:  []recipient.ID{rcpt},
		Cipher:      writeStubCipher(t),
	})
	if err != nil {
		t.Fatalf("NewMount: %v", err)
	}
	return m
}

func TestScenario1CreateWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	id, err := m.Create("/test", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := m.Write(ctx, id, []byte("abcdefg"), 0)
	if err != nil || n != 7 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	got, err := m.Read(ctx, id, 0, 7)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "abcdefg" {
		t.Fatalf("Read = %q, want %q", got, "abcdefg")
	}

	m.Release(ctx, id)

	id2, err := m.Open("/test", syscall.O_RDONLY)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got2, err := m.Read(ctx, id2, 0, 7)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(got2) != "abcdefg" {
		t.Fatalf("Read after reopen = %q, want %q", got2, "abcdefg")
	}
	m.Release(ctx, id2)
}

func TestScenario2AppendThenRead(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	id, err := m.Create("/test", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write(ctx, id, []byte("abcdefg"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m.Release(ctx, id)

	id2, err := m.Open("/test", syscall.O_APPEND|syscall.O_WRONLY)
	if err != nil {
		t.Fatalf("reopen for append: %v", err)
	}
	// Write is handed offset 0, the way a direct caller (or a kernel
	// that hasn't bothered to re-stat first) would: an O_APPEND handle
	// always lands at the current logical end regardless of the
	// offset argument, so this must still produce a clean
	// concatenation rather than overwriting "abcdefg".
	if _, err := m.Write(ctx, id2, []byte("hijklmn"), 0); err != nil {
		t.Fatalf("Write append: %v", err)
	}
	m.Release(ctx, id2)

	id3, err := m.Open("/test", syscall.O_RDONLY)
	if err != nil {
		t.Fatalf("final reopen: %v", err)
	}
	got, err := m.Read(ctx, id3, 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "abcdefghijklmn" {
		t.Fatalf("Read = %q, want %q", got, "abcdefghijklmn")
	}
	m.Release(ctx, id3)
}

func TestScenario3ConcurrentHandlesShareBuffer(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	a, err := m.Create("/test", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write(ctx, a, []byte("abcdefg"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b, err := m.Open("/test", syscall.O_RDONLY)
	if err != nil {
		t.Fatalf("Open B: %v", err)
	}
	if a != b {
		t.Fatalf("expected B to share A's handle id, got a=%d b=%d", a, b)
	}

	got, err := m.Read(ctx, b, 0, 7)
	if err != nil {
		t.Fatalf("Read via B: %v", err)
	}
	if string(got) != "abcdefg" {
		t.Fatalf("Read via B = %q, want %q", got, "abcdefg")
	}

	m.Release(ctx, a)
	m.Release(ctx, b)
}

func TestScenario4WriteOnlyModeRestrictions(t *testing.T) {
	m := newTestMount(t, false)

	// getattr on a pre-existing regular file clears read bits.
	path := filepath.Join(m.backingRoot, "x")
	if err := os.WriteFile(path, []byte("-----END PGP MESSAGE-----\n"), 0o644); err != nil {
		t.Fatalf("seeding backing file: %v", err)
	}

	attr, err := m.Getattr("/x", 0, false)
	if err != nil {
		t.Fatalf("Getattr: %v", err)
	}
	if attr.Mode&(syscall.S_IRUSR|syscall.S_IRGRP|syscall.S_IROTH) != 0 {
		t.Errorf("Getattr mode = %o, want read bits cleared", attr.Mode)
	}

	if err := m.Access(true, nil); err == nil {
		t.Error("Access(requestRead=true) in write-only mode: expected error")
	}

	if _, err := m.Open("/x", syscall.O_RDONLY); !errors.Is(err, ErrPermission) {
		t.Errorf("Open(O_RDONLY) of pre-existing file in write-only mode = %v, want ErrPermission", err)
	}
}

func TestScenario5Truncate(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	id, err := m.Create("/test", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	if _, err := m.Write(ctx, id, payload, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := m.Ftruncate(ctx, id, 40); err != nil {
		t.Fatalf("Ftruncate: %v", err)
	}
	m.Release(ctx, id)

	id2, err := m.Open("/test", syscall.O_RDONLY)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := m.Read(ctx, id2, 0, 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload[:40]) {
		t.Fatalf("Read after truncate = %q, want %q", got, payload[:40])
	}
	m.Release(ctx, id2)
}

func TestScenario6LinkAlwaysFails(t *testing.T) {
	m := newTestMount(t, true)
	if err := m.Link("/a", "/b"); err == nil {
		t.Error("Link: expected error")
	}
}

func TestTruncateZeroIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	id, err := m.Create("/test", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write(ctx, id, []byte("hello"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := m.Ftruncate(ctx, id, 0); err != nil {
		t.Fatalf("first truncate(0): %v", err)
	}
	if err := m.Ftruncate(ctx, id, 0); err != nil {
		t.Fatalf("second truncate(0): %v", err)
	}

	state := m.byID[id]
	if !state.dirty {
		t.Error("truncate(0) on an open file must leave state dirty")
	}
	if len(state.buffer) != 0 {
		t.Errorf("buffer after truncate(0) = %d bytes, want 0", len(state.buffer))
	}

	m.Release(ctx, id)
}

func TestRenameMovesOpenState(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	id, err := m.Create("/old", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write(ctx, id, []byte("moved"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := m.Rename("/old", "/new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, ok := m.byPath["/old"]; ok {
		t.Error("old path still present in table after rename")
	}
	state, ok := m.byPath["/new"]
	if !ok {
		t.Fatal("new path missing from table after rename")
	}
	if !state.dirty {
		t.Error("pending dirty buffer lost across rename")
	}

	m.Release(ctx, id)

	id2, err := m.Open("/new", syscall.O_RDONLY)
	if err != nil {
		t.Fatalf("reopen at new path: %v", err)
	}
	got, err := m.Read(ctx, id2, 0, 16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "moved" {
		t.Fatalf("Read = %q, want %q", got, "moved")
	}
	m.Release(ctx, id2)
}

func TestSetRecipientsRejectedWhileFileOpen(t *testing.T) {
	ctx := context.Background()
	m := newTestMount(t, true)

	id, err := m.Create("/held", syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	other, err := recipient.Parse("other@example.com")
	if err != nil {
		t.Fatalf("recipient.Parse: %v", err)
	}
	if err := m.SetRecipients([]recipient.ID{other}); !errors.Is(err, ErrRecipientsImmutable) {
		t.Fatalf("SetRecipients while open = %v, want ErrRecipientsImmutable", err)
	}

	m.Release(ctx, id)

	if err := m.SetRecipients([]recipient.ID{other}); err != nil {
		t.Fatalf("SetRecipients after release: %v", err)
	}
	if len(m.recipients) != 1 || m.recipients[0] != other {
		t.Fatalf("recipients = %v, want [%v]", m.recipients, other)
	}
}

func TestSetRecipientsRejectsEmpty(t *testing.T) {
	m := newTestMount(t, true)
	if err := m.SetRecipients(nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("SetRecipients(nil) = %v, want ErrInvalid", err)
	}
}
