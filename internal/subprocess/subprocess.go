// Package subprocess drives a child process's stdin and stdout
// concurrently, the way the cipher tool must be driven: bytes pushed in
// on one pipe while bytes are pulled out on the other, without either
// side blocking the other when the child interleaves reading input with
// producing output.
package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// growChunk is the size of each read from the child's stdout: the
// cipher tool's output is read in 1 MiB chunks.
const growChunk = 1 << 20

// Channel spawns a child process and exposes its stdin/stdout as a pipe
// pair that can be driven concurrently. The parent's stderr is always
// inherited by the child so cipher tool diagnostics reach the operator.
type Channel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser // nil when StdinFile was used
	stdout io.ReadCloser  // nil when StdoutFile was used
}

// Options configures a child process invocation.
type Options struct {
	// Env is appended to the child's environment (in addition to the
	// parent's own, which is always inherited). Used to set GNUPGHOME
	// without touching the parent process's environment.
	Env []string

	// StdinFile, if non-nil, is used as the child's stdin directly
	// instead of a pipe — the single-block decrypt fast path feeds the
	// backing descriptor straight to gpg this way.
	StdinFile *os.File

	// StdoutFile, if non-nil, is used as the child's stdout directly
	// instead of a pipe — encrypt redirects ciphertext straight to the
	// backing descriptor this way.
	StdoutFile *os.File
}

// Start spawns name with args under ctx per opts.
func Start(ctx context.Context, name string, args []string, opts Options) (*Channel, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	channel := &Channel{cmd: cmd}

	if opts.StdinFile != nil {
		cmd.Stdin = opts.StdinFile
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe for %s: %w", name, err)
		}
		channel.stdin = stdin
	}

	if opts.StdoutFile != nil {
		cmd.Stdout = opts.StdoutFile
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdout pipe for %s: %w", name, err)
		}
		channel.stdout = stdout
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	return channel, nil
}

// Communicate writes input to the child's stdin on one goroutine while
// reading its stdout to completion on another, then returns once both
// sides have finished. This is the concurrent analogue of draining two
// pipes without deadlocking on a full buffer in either direction: the
// write side and the read side never share a goroutine, so neither can
// block the other.
//
// If the channel was started with StdinFile set, input must be nil — the
// child reads from the redirected descriptor instead. If it was started
// with StdoutFile set, the returned []byte is always nil — the child's
// output went straight to that descriptor.
func (c *Channel) Communicate(input []byte) ([]byte, error) {
	writeErr := make(chan error, 1)
	if c.stdin != nil {
		go func() {
			_, err := c.stdin.Write(input)
			closeErr := c.stdin.Close()
			if err != nil {
				writeErr <- err
				return
			}
			writeErr <- closeErr
		}()
	} else {
		writeErr <- nil
	}

	var output []byte
	var readErr error
	if c.stdout != nil {
		output, readErr = readAll(c.stdout)
	}

	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("writing to subprocess stdin: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("reading subprocess stdout: %w", readErr)
	}

	return output, nil
}

// readAll accumulates r into a bytes.Buffer, reading up to growChunk
// bytes at a time; the buffer's own growth policy decides how its
// capacity expands.
func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, growChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Grow(n)
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}

// Wait waits for the child to exit and reports a non-nil error if it
// exited with a non-zero status or could not be waited on.
func (c *Channel) Wait() error {
	return c.cmd.Wait()
}

// ExitCode returns the child's exit code after Wait has returned. Only
// meaningful once the process has exited.
func (c *Channel) ExitCode() int {
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}
