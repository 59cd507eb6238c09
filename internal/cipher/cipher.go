// Package cipher drives the gpg binary as the asymmetric cipher tool:
// decrypting ASCII-armored blocks on demand and encrypting a plaintext
// buffer to one or more recipients.
package cipher

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/dannysu/asymmetricfs/internal/recipient"
	"github.com/dannysu/asymmetricfs/internal/subprocess"
)

// Terminator is the exact byte string marking the end of one
// ASCII-armored PGP message block. Backing files are the concatenation
// of one or more such blocks.
const Terminator = "-----END PGP MESSAGE-----\n"

// Tool resolves and invokes the gpg binary.
type Tool struct {
	// BinaryPath is the absolute path to the gpg executable, resolved
	// once at mount startup via exec.LookPath.
	BinaryPath string

	// GNUPGHome, if non-empty, is set as GNUPGHOME in the child's
	// environment (not the parent's) to select a non-default keyring.
	GNUPGHome string
}

func (t Tool) env() []string {
	if t.GNUPGHome == "" {
		return nil
	}
	return []string{"GNUPGHOME=" + t.GNUPGHome}
}

// ErrExitNonzero is wrapped into any error surfaced when the gpg child
// exits with a nonzero status.
var ErrExitNonzero = fmt.Errorf("cipher: gpg exited nonzero")

// DecryptBlock runs gpg -d over a single ciphertext block and returns
// its plaintext.
func (t Tool) DecryptBlock(ctx context.Context, block []byte) ([]byte, error) {
	channel, err := subprocess.Start(ctx, t.BinaryPath, []string{"-d", "--no-tty", "--batch"}, subprocess.Options{
		Env: t.env(),
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := channel.Communicate(block)
	if err != nil {
		return nil, err
	}
	if waitErr := channel.Wait(); waitErr != nil {
		return nil, fmt.Errorf("%w (exit %d): %v", ErrExitNonzero, channel.ExitCode(), waitErr)
	}
	return plaintext, nil
}

// DecryptFile runs gpg -d with the given file descriptor as stdin
// directly, instead of buffering the block through a pipe — the fast
// path taken when a backing file contains exactly one block.
func (t Tool) DecryptFile(ctx context.Context, f *os.File) ([]byte, error) {
	channel, err := subprocess.Start(ctx, t.BinaryPath, []string{"-d", "--no-tty", "--batch"}, subprocess.Options{
		Env:       t.env(),
		StdinFile: f,
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := channel.Communicate(nil)
	if err != nil {
		return nil, err
	}
	if waitErr := channel.Wait(); waitErr != nil {
		return nil, fmt.Errorf("%w (exit %d): %v", ErrExitNonzero, channel.ExitCode(), waitErr)
	}
	return plaintext, nil
}

// EncryptTo runs gpg -ae with one -r argument per recipient, feeding
// plaintext on stdin and redirecting ciphertext straight to dst (the
// backing file descriptor, already truncated to zero by the caller).
func (t Tool) EncryptTo(ctx context.Context, dst *os.File, recipients []recipient.ID, plaintext []byte) error {
	if len(recipients) == 0 {
		return fmt.Errorf("cipher: encrypt requires at least one recipient")
	}

	args := []string{"-ae", "--no-tty", "--batch"}
	for _, r := range recipients {
		args = append(args, "-r", r.String())
	}

	channel, err := subprocess.Start(ctx, t.BinaryPath, args, subprocess.Options{
		Env:        t.env(),
		StdoutFile: dst,
	})
	if err != nil {
		return err
	}

	if _, err := channel.Communicate(plaintext); err != nil {
		return err
	}
	if waitErr := channel.Wait(); waitErr != nil {
		return fmt.Errorf("%w (exit %d): %v", ErrExitNonzero, channel.ExitCode(), waitErr)
	}
	return nil
}

// SplitBlocks scans data for occurrences of Terminator and returns the
// byte ranges of each block in file order. Bytes after the last
// terminator, if any, form a final block without a terminator of its
// own (a truncated or malformed file); no empty block is returned.
func SplitBlocks(data []byte) [][]byte {
	var blocks [][]byte
	start := 0
	term := []byte(Terminator)
	for start < len(data) {
		idx := bytes.Index(data[start:], term)
		if idx < 0 {
			blocks = append(blocks, data[start:])
			return blocks
		}
		end := start + idx + len(term)
		blocks = append(blocks, data[start:end])
		start = end
	}
	return blocks
}
