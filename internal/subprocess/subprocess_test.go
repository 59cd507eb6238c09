package subprocess

import (
	"bytes"
	"context"
	"testing"
)

func TestCommunicateEchoesInput(t *testing.T) {
	channel, err := Start(context.Background(), "cat", nil, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	input := bytes.Repeat([]byte("hello world\n"), 1<<14) // force >64KiB to exercise buffering
	output, err := channel.Communicate(input)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if err := channel.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !bytes.Equal(output, input) {
		t.Errorf("output mismatch: got %d bytes, want %d", len(output), len(input))
	}
}

func TestWaitReportsNonzeroExit(t *testing.T) {
	channel, err := Start(context.Background(), "false", nil, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := channel.Communicate(nil); err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if err := channel.Wait(); err == nil {
		t.Fatal("expected non-nil error from Wait for a false(1) exit")
	}
	if code := channel.ExitCode(); code == 0 {
		t.Errorf("ExitCode() = %d, want nonzero", code)
	}
}
